package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPClient is the subset of *http.Client used to post webhooks.
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

// SendSubscriptionLostAlert reports a topic stream that dropped while the
// relay was still running. lastSequence is the last delivered entry.
func (m *Manager) SendSubscriptionLostAlert(topicID string, lastSequence uint64, cause error) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	reason := "stream closed"
	if cause != nil {
		reason = cause.Error()
	}

	msg := slackMessage{
		Text: "⚠️ *TOPIC SUBSCRIPTION LOST*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "Relay Resubscribing",
				Fields: []slackField{
					{Title: "Topic", Value: topicID, Short: true},
					{Title: "Last Sequence", Value: fmt.Sprintf("%d", lastSequence), Short: true},
					{Title: "Reason", Value: reason, Short: false},
				},
				Footer: "topicrelay Relay",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendWorkflowFailureAlert reports a points transfer that failed after some
// of its steps had committed to the ledger.
func (m *Manager) SendWorkflowFailureAlert(runID, step string, completed []string, topicID string, cause error) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	done := "none"
	if len(completed) > 0 {
		done = strings.Join(completed, ", ")
	}
	if topicID == "" {
		topicID = "-"
	}

	msg := slackMessage{
		Text: "🚨 *POINTS WORKFLOW PARTIALLY APPLIED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Operator Intervention Required",
				Fields: []slackField{
					{Title: "Run", Value: runID, Short: true},
					{Title: "Failed Step", Value: step, Short: true},
					{Title: "Completed Steps", Value: done, Short: true},
					{Title: "Deployment Topic", Value: topicID, Short: true},
					{Title: "Error", Value: cause.Error(), Short: false},
				},
				Footer: "topicrelay Points",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendChainBrokenAlert reports a topic whose stored running hash does not
// match the one recomputed from its messages.
func (m *Manager) SendChainBrokenAlert(topicID string, sequence uint64, expectedHash, actualHash string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *RUNNING HASH MISMATCH*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Topic Chain Broken",
				Fields: []slackField{
					{Title: "Topic", Value: topicID, Short: true},
					{Title: "Sequence", Value: fmt.Sprintf("%d", sequence), Short: true},
					{Title: "Expected Hash", Value: expectedHash, Short: false},
					{Title: "Actual Hash", Value: actualHash, Short: false},
				},
				Footer: "topicrelay Verifier",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.enabled || m.slackWebhook == "" {
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
				Footer: "topicrelay System Monitor",
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
