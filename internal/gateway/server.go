package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dpas/internal/config"
	"dpas/internal/detection"
	"dpas/internal/logging"
	"dpas/internal/services"
)

// Enqueuer durably accepts a job payload.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
}

// Results is the result store surface used by sync persistence and the feed.
type Results interface {
	RecordSource
	Append(ctx context.Context, rec detection.Record, image []byte, imageExt string) (detection.Record, error)
}

// Dependencies are the collaborators a Server needs for its mode. Async mode
// requires Queue; sync mode requires Capability, and Results when
// gateway.sync_persist is set. Results also enables the record feed.
type Dependencies struct {
	Queue      Enqueuer
	Capability detection.Capability
	Results    Results
	// Now stamps sync-mode records; defaults to time.Now.
	Now func() time.Time
}

// Server is the ingress HTTP server.
type Server struct {
	bind             string
	mode             string
	maxUpload        int64
	syncPersist      bool
	minConfidence    float64
	inferenceTimeout time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration

	queue      Enqueuer
	capability detection.Capability
	capMu      sync.Mutex
	results    Results
	feed       *Feed
	now        func() time.Time
	logger     *slog.Logger

	handler  http.Handler
	listener net.Listener
	server   *http.Server
	cancel   context.CancelFunc
	feedDone chan struct{}
}

// New builds a server from configuration.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config is required")
	}
	logger = logging.NewComponentLogger(logger, "gateway")
	s := &Server{
		bind:             strings.TrimSpace(cfg.Paths.APIBind),
		mode:             cfg.Gateway.Mode,
		maxUpload:        cfg.MaxUploadBytes(),
		syncPersist:      cfg.Gateway.SyncPersist,
		minConfidence:    cfg.Detector.ConfidenceThreshold,
		inferenceTimeout: cfg.InferenceTimeout(),
		readTimeout:      time.Duration(cfg.Gateway.ReadTimeoutSeconds) * time.Second,
		writeTimeout:     time.Duration(cfg.Gateway.WriteTimeoutSeconds) * time.Second,
		queue:            deps.Queue,
		capability:       deps.Capability,
		results:          deps.Results,
		now:              deps.Now,
		logger:           logger,
	}
	if s.now == nil {
		s.now = time.Now
	}

	switch s.mode {
	case config.ModeAsync:
		if s.queue == nil {
			return nil, services.Wrap(services.ErrConfiguration, "gateway", "new", "async mode requires a queue", nil)
		}
	case config.ModeSync:
		if s.capability == nil {
			return nil, services.Wrap(services.ErrConfiguration, "gateway", "new", "sync mode requires a capability", nil)
		}
		if s.syncPersist && s.results == nil {
			return nil, services.Wrap(services.ErrConfiguration, "gateway", "new", "sync_persist requires a result store", nil)
		}
	default:
		return nil, services.Wrap(services.ErrConfiguration, "gateway", "new", fmt.Sprintf("unknown mode %q", s.mode), nil)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/process", s.handleProcess)
	mux.HandleFunc("/active", s.handleActive)
	if s.results != nil {
		s.feed = NewFeed(s.results, time.Duration(cfg.Gateway.FeedPollMillis)*time.Millisecond, logger)
		mux.Handle("/ws/records", s.feed)
	}
	s.handler = s.withRequestID(mux)
	return s, nil
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Feed returns the record feed, or nil when no result store is configured.
func (s *Server) Feed() *Feed { return s.feed }

// Mode reports the configured gateway mode.
func (s *Server) Mode() string { return s.mode }

// Addr returns the bound listener address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and serves in the background until ctx is done or
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if s.bind == "" {
		return services.Wrap(services.ErrConfiguration, "gateway", "start", "paths.api_bind is empty", nil)
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if s.feed != nil {
		s.feedDone = make(chan struct{})
		go func() {
			defer close(s.feedDone)
			s.feed.Run(runCtx)
		}()
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorWithContext(s.logger, "gateway server error", "gateway_serve_failed", logging.Error(err))
		}
	}()
	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("gateway listening",
		logging.String("address", listener.Addr().String()),
		logging.String("mode", s.mode),
	)
	return nil
}

// Stop shuts the server down and waits for the feed to exit.
func (s *Server) Stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.feedDone != nil {
		<-s.feedDone
		s.feedDone = nil
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
