package verify

import (
	"errors"
	"fmt"
)

// IntegrityError reports a stored root that disagrees with the root
// recomputed from content.
type IntegrityError struct {
	Source   string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("INTEGRITY VIOLATION in %s: expected root %s, computed %s",
		e.Source, short(e.Expected), short(e.Actual))
}

func (e *IntegrityError) IsTampering() bool {
	return true
}

func NewIntegrityError(source, expected, actual string) *IntegrityError {
	return &IntegrityError{
		Source:   source,
		Expected: expected,
		Actual:   actual,
	}
}

func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

func AsIntegrityError(err error) *IntegrityError {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie
	}
	return nil
}

func short(root string) string {
	if len(root) > 16 {
		return root[:16] + "..."
	}
	if root == "" {
		return "<none>"
	}
	return root
}
