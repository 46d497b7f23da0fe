package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/witnz/topicrelay/internal/faults"
	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/ledger/ledgertest"
	"github.com/witnz/topicrelay/internal/points"
	"github.com/witnz/topicrelay/internal/publish"
)

type testEnv struct {
	client  *ledgertest.Client
	handler http.Handler
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	client := ledgertest.New()
	client.AddTopic("0.0.1001")
	client.AddTopic("0.0.1002")

	orchestrator := points.NewOrchestrator(client, points.Config{
		Operator:   "0.0.2",
		Recipient:  "0.0.3",
		Definition: points.DefaultDefinition(),
	}, nil)

	opts := Options{
		Publisher:        publish.NewGateway(client, "0.0.1001", 1024, nil),
		Points:           orchestrator,
		Messages:         client,
		SourceTopic:      "0.0.1001",
		LedgerConfigured: true,
		TopicsConfigured: true,
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &testEnv{client: client, handler: NewServer(opts, nil).Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.TopicsConfigured = false })

	rec, body := env.do(t, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "ok" || body["ledgerConfigured"] != true || body["topicsConfigured"] != false {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestRoot(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, body := env.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || body["message"] != "topicrelay running" {
		t.Errorf("unexpected root response %d %v", rec.Code, body)
	}

	rec, _ = env.do(t, http.MethodGet, "/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown path, got %d", rec.Code)
	}
}

func TestPublish(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec, body := env.do(t, http.MethodPost, "/api/hcs/publish",
			`{"email_id":"a@b.c","message":"hi","event_id":"e1","message_type":"notify"}`)
		if rec.Code != http.StatusOK || body["status"] != "success" {
			t.Fatalf("expected success, got %d %v", rec.Code, body)
		}
		if body["sequence"] != float64(1) {
			t.Errorf("expected sequence 1, got %v", body["sequence"])
		}
		if _, ok := body["transactionId"].(string); !ok {
			t.Errorf("expected a transactionId string, got %v", body["transactionId"])
		}

		entries, _ := env.client.Messages(context.Background(), "0.0.1001")
		want := `{"email_id":"a@b.c","message":"hi","event_id":"e1","message_type":"notify"}`
		if len(entries) != 1 || string(entries[0].Payload) != want {
			t.Errorf("source topic does not hold the canonical payload: %+v", entries)
		}
	})

	t.Run("camel case", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec, _ := env.do(t, http.MethodPost, "/api/hcs/publish",
			`{"emailId":"a@b.c","message":"hi","eventId":"e1","messageType":"notify"}`)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("missing event id", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec, body := env.do(t, http.MethodPost, "/api/hcs/publish",
			`{"email_id":"a@b.c","message":"hi","message_type":"notify"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if msg, _ := body["message"].(string); !strings.Contains(msg, "event_id") {
			t.Errorf("expected message naming event_id, got %q", msg)
		}
		if len(env.client.Calls()) != 0 {
			t.Error("invalid request must not reach the ledger")
		}
	})

	t.Run("not configured", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) { o.LedgerConfigured = false })
		rec, _ := env.do(t, http.MethodPost, "/api/hcs/publish",
			`{"email_id":"a@b.c","message":"hi","event_id":"e1","message_type":"notify"}`)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})

	t.Run("oversized", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec, _ := env.do(t, http.MethodPost, "/api/hcs/publish",
			`{"email_id":"a@b.c","message":"`+strings.Repeat("x", 1100)+`","event_id":"e1","message_type":"notify"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.client.SetFault(func(op string, topic ledger.TopicID, payload []byte) error {
			return errors.New("connection reset")
		})
		rec, body := env.do(t, http.MethodPost, "/api/hcs/publish",
			`{"email_id":"a@b.c","message":"hi","event_id":"e1","message_type":"notify"}`)
		if rec.Code != http.StatusInternalServerError || body["message"] != "failed to publish" {
			t.Errorf("expected 500 failed to publish, got %d %v", rec.Code, body)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec, _ := env.do(t, http.MethodPost, "/api/hcs/publish", `{"email_id":`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec, _ := env.do(t, http.MethodGet, "/api/hcs/publish", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", rec.Code)
		}
	})
}

func TestMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.client.Submit(ctx, "0.0.1001", []byte(`{"event_id":"e1"}`))
	env.client.Submit(ctx, "0.0.1001", []byte("plain text"))

	rec, body := env.do(t, http.MethodGet, "/api/hcs/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	messages, ok := body["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %v", body["messages"])
	}

	first := messages[0].(map[string]any)
	if data, ok := first["data"].(map[string]any); !ok || data["event_id"] != "e1" {
		t.Errorf("expected decoded JSON data, got %v", first["data"])
	}
	if second := messages[1].(map[string]any); second["data"] != "plain text" {
		t.Errorf("expected plain text data, got %v", second["data"])
	}

	t.Run("no source topic", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) { o.SourceTopic = "" })
		rec, _ := env.do(t, http.MethodGet, "/api/hcs/messages", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("query failure", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.client.SetFault(func(op string, topic ledger.TopicID, payload []byte) error {
			return errors.New("mirror unavailable")
		})
		rec, _ := env.do(t, http.MethodGet, "/api/hcs/messages", "")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})
}

func TestTransferPoints(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec, body := env.do(t, http.MethodPost, "/api/hcs/transferpoints",
			`{"name":"alice","memo":"bonus","amount":100}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d %v", rec.Code, body)
		}
		if body["status"] != "success" || body["topicId"] != "0.0.1003" {
			t.Errorf("unexpected body: %v", body)
		}
	})

	t.Run("string amount", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec, _ := env.do(t, http.MethodPost, "/api/hcs/transferpoints",
			`{"name":"alice","memo":"bonus","amount":"25"}`)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("missing amount", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec, body := env.do(t, http.MethodPost, "/api/hcs/transferpoints", `{"name":"alice","memo":"bonus"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if body["message"] != "name, memo, and amount are required" {
			t.Errorf("unexpected message: %v", body["message"])
		}
		if len(env.client.Calls()) != 0 {
			t.Error("invalid request must not reach the ledger")
		}
	})

	t.Run("invalid amount", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec, _ := env.do(t, http.MethodPost, "/api/hcs/transferpoints",
			`{"name":"alice","memo":"bonus","amount":-3}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("transfer step fails", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.client.SetFault(func(op string, topic ledger.TopicID, payload []byte) error {
			if op == "submit" && strings.Contains(string(payload), `"op":"transfer"`) {
				return errors.New("transaction expired")
			}
			return nil
		})

		rec, body := env.do(t, http.MethodPost, "/api/hcs/transferpoints",
			`{"name":"alice","memo":"bonus","amount":100}`)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
		if msg, _ := body["message"].(string); !strings.HasPrefix(msg, "failed to transfer points: transfer step failed") {
			t.Errorf("expected message naming the transfer step, got %q", msg)
		}
		details, _ := body["details"].(map[string]any)
		if details["step"] != "transfer" || details["partial"] != true {
			t.Errorf("unexpected details: %v", details)
		}
		if steps, _ := details["completedSteps"].([]any); len(steps) != 2 {
			t.Errorf("expected deploy and mint completed, got %v", details["completedSteps"])
		}

		entries, _ := env.client.Messages(context.Background(), "0.0.1003")
		if len(entries) != 2 {
			t.Errorf("expected the mint to remain on the deployment topic, got %d entries", len(entries))
		}
	})

	t.Run("not configured", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) { o.LedgerConfigured = false })
		rec, _ := env.do(t, http.MethodPost, "/api/hcs/transferpoints",
			`{"name":"alice","memo":"bonus","amount":100}`)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})

	t.Run("configuration error from orchestrator", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) {
			o.Points = transferFunc(func(ctx context.Context, req points.TransferRequest) (ledger.TopicID, error) {
				return "", faults.NewConfigurationError("points.recipient_id", "")
			})
		})
		rec, body := env.do(t, http.MethodPost, "/api/hcs/transferpoints",
			`{"name":"alice","memo":"bonus","amount":100}`)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
		if details, _ := body["details"].(map[string]any); details["setting"] != "points.recipient_id" {
			t.Errorf("expected setting in details, got %v", body["details"])
		}
	})
}

type transferFunc func(ctx context.Context, req points.TransferRequest) (ledger.TopicID, error)

func (f transferFunc) Transfer(ctx context.Context, req points.TransferRequest) (ledger.TopicID, error) {
	return f(ctx, req)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/hcs/publish", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.RateLimit = RateLimitConfig{Enabled: true, RPS: 1, Burst: 2}
	})

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last, _ = env.do(t, http.MethodGet, "/api/health", "")
		codes = append(codes, last.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected 200, 200, 429, got %v", codes)
	}
	if got := last.Header().Get("Retry-After"); got != "1" {
		t.Errorf("expected Retry-After 1, got %q", got)
	}

	rec, _ := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("metrics should not be rate limited, got %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/hcs/publish", `{"email_id":"a@b.c","event_id":"e1","message_type":"notify"}`)
	if rec.Code == http.StatusTooManyRequests {
		t.Error("publishes should have their own budget")
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	l := newRateLimiter(RateLimitConfig{Enabled: true, RPS: 10, Burst: 10, IdleTTL: time.Minute})
	start := time.Now()

	l.reserve(bucketKey{client: "ip:10.0.0.1", class: "read"}, start)
	l.reserve(bucketKey{client: "ip:10.0.0.2", class: "read"}, start.Add(30*time.Second))
	if n := l.size(); n != 2 {
		t.Fatalf("expected 2 buckets, got %d", n)
	}

	l.reserve(bucketKey{client: "ip:10.0.0.2", class: "read"}, start.Add(65*time.Second))
	if n := l.size(); n != 1 {
		t.Errorf("expected idle client to be evicted, %d buckets left", n)
	}
}

func TestRateLimiterSeparatesRouteClasses(t *testing.T) {
	l := newRateLimiter(RateLimitConfig{Enabled: true, RPS: 1, Burst: 1})
	now := time.Now()
	read := bucketKey{client: "ip:10.0.0.1", class: "read"}

	if ok, _ := l.reserve(read, now); !ok {
		t.Fatal("first read should pass")
	}
	ok, wait := l.reserve(read, now)
	if ok || wait <= 0 {
		t.Errorf("second read should wait, got ok=%v wait=%v", ok, wait)
	}
	if ok, _ := l.reserve(bucketKey{client: "ip:10.0.0.1", class: "write"}, now); !ok {
		t.Error("writes should not share the read bucket")
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	if got := clientKey(req); got != "ip:192.0.2.7" {
		t.Errorf("expected ip:192.0.2.7, got %s", got)
	}

	req.RemoteAddr = ""
	if got := clientKey(req); got != "ip:unknown" {
		t.Errorf("expected ip:unknown, got %s", got)
	}

	if ok, _ := newRateLimiter(RateLimitConfig{}).reserve(bucketKey{client: "ip:x"}, time.Now()); !ok {
		t.Error("disabled limiter should allow everything")
	}
}
