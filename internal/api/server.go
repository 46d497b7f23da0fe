package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/witnz/topicrelay/internal/ledger"
	"github.com/witnz/topicrelay/internal/metrics"
	"github.com/witnz/topicrelay/internal/points"
	"github.com/witnz/topicrelay/internal/publish"
)

const DefaultAddr = ":8080"

type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (ledger.Receipt, error)
}

type PointsTransferer interface {
	Transfer(ctx context.Context, req points.TransferRequest) (ledger.TopicID, error)
}

// MessageSource reads committed entries of a topic.
type MessageSource interface {
	Messages(ctx context.Context, topic ledger.TopicID) ([]ledger.LogEntry, error)
}

type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	RateLimit    RateLimitConfig

	Publisher   Publisher
	Points      PointsTransferer
	Messages    MessageSource
	SourceTopic ledger.TopicID

	LedgerConfigured bool
	TopicsConfigured bool
}

type Server struct {
	httpServer *http.Server
	opts       Options
	limiter    *rateLimiter
	logger     *slog.Logger
}

func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	s := &Server{
		opts:    opts,
		limiter: newRateLimiter(opts.RateLimit),
		logger:  logger,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler wrapped in CORS, rate limiting and
// request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/hcs/publish", s.handlePublish)
	mux.HandleFunc("GET /api/hcs/messages", s.handleMessages)
	mux.HandleFunc("POST /api/hcs/transferpoints", s.handleTransferPoints)
	mux.Handle("GET /metrics", metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	return c.Handler(s.rateLimit(s.instrument(mux)))
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveRequest(route, rec.status, start)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.opts.Addr)
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
