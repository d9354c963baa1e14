package wal

import "fmt"

// Diagnostic describes a line that could not be decoded.
type Diagnostic struct {
	Line int
	Err  error
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("line %d: %v", d.Line, d.Err)
}

type ReplayResult struct {
	Records     []Record
	Diagnostics []Diagnostic
}

// Outcome splits replayed records into what recovery applies and what it
// must leave alone.
type Outcome struct {
	// Committed holds every committed record in sequence order.
	Committed []*Committed
	// Dangling holds intents never followed by a matching committed record.
	// They describe mutations that were not applied.
	Dangling []*Intent
	// Orphans holds committed records with no visible intent, usually
	// because the intent fell below the replay floor or was truncated. They
	// are also present in Committed.
	Orphans []*Committed
}

// Reconcile pairs each committed record with the intent immediately before
// it. An intent matches when op, key and root_before agree.
func (r *ReplayResult) Reconcile() Outcome {
	var out Outcome
	var pending *Intent

	for _, rec := range r.Records {
		switch rec := rec.(type) {
		case *Intent:
			if pending != nil {
				out.Dangling = append(out.Dangling, pending)
			}
			pending = rec
		case *Committed:
			if pending != nil && matches(pending, rec) {
				pending = nil
			} else {
				if pending != nil {
					out.Dangling = append(out.Dangling, pending)
					pending = nil
				}
				out.Orphans = append(out.Orphans, rec)
			}
			out.Committed = append(out.Committed, rec)
		}
	}
	if pending != nil {
		out.Dangling = append(out.Dangling, pending)
	}
	return out
}

func matches(i *Intent, c *Committed) bool {
	return i.Sequence < c.Sequence &&
		i.Op == c.Op &&
		i.Key == c.Key &&
		i.RootBefore == c.RootBefore
}
