package publish

import (
	"encoding/json"
	"strings"

	"github.com/witnz/topicrelay/internal/faults"
)

// Request is an event destined for the source topic. Every field is
// required.
type Request struct {
	EmailID     string `json:"email_id"`
	Message     string `json:"message"`
	EventID     string `json:"event_id"`
	MessageType string `json:"message_type"`
}

// Validate returns a *faults.ValidationError naming every blank field.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.EmailID) == "" {
		missing = append(missing, "email_id")
	}
	if strings.TrimSpace(r.Message) == "" {
		missing = append(missing, "message")
	}
	if strings.TrimSpace(r.EventID) == "" {
		missing = append(missing, "event_id")
	}
	if strings.TrimSpace(r.MessageType) == "" {
		missing = append(missing, "message_type")
	}
	if len(missing) > 0 {
		return faults.MissingFields(missing...)
	}
	return nil
}

// Canonical is the wire form submitted to the ledger: compact JSON with the
// keys in declaration order.
func (r Request) Canonical() ([]byte, error) {
	return json.Marshal(r)
}
