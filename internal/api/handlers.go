package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/witnz/topicrelay/internal/faults"
	"github.com/witnz/topicrelay/internal/points"
	"github.com/witnz/topicrelay/internal/publish"
)

const maxBodyBytes = 64 << 10

type healthResponse struct {
	Status           string `json:"status"`
	LedgerConfigured bool   `json:"ledgerConfigured"`
	TopicsConfigured bool   `json:"topicsConfigured"`
}

// publishBody accepts both snake_case and camelCase field names.
type publishBody struct {
	EmailID        string `json:"email_id"`
	EmailIDAlt     string `json:"emailId"`
	Message        string `json:"message"`
	EventID        string `json:"event_id"`
	EventIDAlt     string `json:"eventId"`
	MessageType    string `json:"message_type"`
	MessageTypeAlt string `json:"messageType"`
}

func (b publishBody) request() publish.Request {
	return publish.Request{
		EmailID:     firstNonEmpty(b.EmailID, b.EmailIDAlt),
		Message:     b.Message,
		EventID:     firstNonEmpty(b.EventID, b.EventIDAlt),
		MessageType: firstNonEmpty(b.MessageType, b.MessageTypeAlt),
	}
}

type transferBody struct {
	Name   string           `json:"name"`
	Memo   string           `json:"memo"`
	Amount *decimal.Decimal `json:"amount"`
}

type messageView struct {
	TopicID            string          `json:"topic_id"`
	SequenceNumber     uint64          `json:"sequence_number"`
	ConsensusTimestamp time.Time       `json:"consensus_timestamp"`
	Payer              string          `json:"payer_account_id"`
	RunningHash        string          `json:"running_hash"`
	Data               json.RawMessage `json:"data"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "topicrelay running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		LedgerConfigured: s.opts.LedgerConfigured,
		TopicsConfigured: s.opts.TopicsConfigured,
	})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body publishBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	req := body.request()

	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if !s.opts.LedgerConfigured || s.opts.Publisher == nil {
		writeError(w, http.StatusInternalServerError, "ledger not configured on server", nil)
		return
	}
	if !s.opts.TopicsConfigured {
		writeError(w, http.StatusInternalServerError, "topic IDs not configured on server", nil)
		return
	}

	s.logger.Info("Publish request received", "email_id", req.EmailID, "event_id", req.EventID)

	receipt, err := s.opts.Publisher.Publish(r.Context(), req)
	if err != nil {
		switch {
		case faults.IsValidationError(err):
			writeError(w, http.StatusBadRequest, err.Error(), nil)
		case faults.IsConfigurationError(err):
			writeError(w, http.StatusInternalServerError, err.Error(), nil)
		default:
			s.logger.Error("Publish error", "event_id", req.EventID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to publish", map[string]string{"error": err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"transactionId": receipt.TransactionID,
		"sequence":      receipt.Sequence,
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.opts.SourceTopic == "" {
		writeError(w, http.StatusBadRequest, "source topic not configured", nil)
		return
	}
	if s.opts.Messages == nil {
		writeError(w, http.StatusInternalServerError, "ledger not configured on server", nil)
		return
	}

	entries, err := s.opts.Messages.Messages(r.Context(), s.opts.SourceTopic)
	if err != nil {
		s.logger.Error("Get messages error", "topic", s.opts.SourceTopic, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get messages", nil)
		return
	}

	messages := make([]messageView, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, messageView{
			TopicID:            string(e.TopicID),
			SequenceNumber:     e.Sequence,
			ConsensusTimestamp: e.ConsensusTime,
			Payer:              string(e.Payer),
			RunningHash:        e.RunningHash,
			Data:               payloadJSON(e.Payload),
		})
	}

	s.logger.Debug("Messages returned", "topic", s.opts.SourceTopic, "count", len(messages))
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "messages": messages})
}

func (s *Server) handleTransferPoints(w http.ResponseWriter, r *http.Request) {
	var body transferBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	if strings.TrimSpace(body.Name) == "" || strings.TrimSpace(body.Memo) == "" || body.Amount == nil {
		writeError(w, http.StatusBadRequest, "name, memo, and amount are required", map[string]any{
			"name":   body.Name,
			"memo":   body.Memo,
			"amount": body.Amount,
		})
		return
	}
	if !s.opts.LedgerConfigured || s.opts.Points == nil {
		writeError(w, http.StatusInternalServerError, "ledger not configured on server", nil)
		return
	}

	req := points.TransferRequest{Name: body.Name, Memo: body.Memo, Amount: *body.Amount}
	s.logger.Info("Transfer points request received", "name", req.Name, "amount", req.Amount.String())

	topic, err := s.opts.Points.Transfer(r.Context(), req)
	if err != nil {
		s.writeTransferError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "topicId": string(topic)})
}

func (s *Server) writeTransferError(w http.ResponseWriter, err error) {
	if werr := faults.AsWorkflowError(err); werr != nil {
		completed := werr.Completed
		if completed == nil {
			completed = []string{}
		}
		writeError(w, http.StatusInternalServerError, "failed to transfer points: "+err.Error(), map[string]any{
			"runId":          werr.RunID,
			"step":           werr.Step,
			"completedSteps": completed,
			"partial":        werr.Partial(),
		})
		return
	}

	var ce *faults.ConfigurationError
	switch {
	case faults.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.As(err, &ce):
		writeError(w, http.StatusInternalServerError, "failed to transfer points: "+err.Error(), map[string]string{"setting": ce.Setting})
	default:
		s.logger.Error("Transfer points error", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to transfer points: "+err.Error(), nil)
	}
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// payloadJSON returns payload unchanged when it is JSON and as a JSON
// string otherwise.
func payloadJSON(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
