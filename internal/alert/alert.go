package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const footer = "Sovereign Persistence"

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
	}
}

func (m *Manager) active() bool {
	return m != nil && m.enabled && m.slackWebhook != ""
}

// SendIntegrityAlert reports a stored root that no longer matches the content.
func (m *Manager) SendIntegrityAlert(nodeID, source, expectedRoot, actualRoot string) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *STATE INTEGRITY VIOLATION*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Merkle Root Mismatch",
				Fields: []slackField{
					{Title: "Node", Value: nodeID, Short: true},
					{Title: "Source", Value: source, Short: true},
					{Title: "Expected Root", Value: expectedRoot, Short: false},
					{Title: "Computed Root", Value: actualRoot, Short: false},
				},
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendRecoveryFailureAlert(nodeID string, elapsedMS float64, snapshotID, reason string) error {
	if !m.active() {
		return nil
	}

	if snapshotID == "" {
		snapshotID = "(none)"
	}

	msg := slackMessage{
		Text: "🚨 *CRASH RECOVERY FAILED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Recovery Failure",
				Fields: []slackField{
					{Title: "Node", Value: nodeID, Short: true},
					{Title: "Elapsed", Value: fmt.Sprintf("%.1fms", elapsedMS), Short: true},
					{Title: "Snapshot", Value: snapshotID, Short: true},
					{Title: "Reason", Value: reason, Short: false},
				},
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.active() {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	msg := slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
