package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"silentnet/models"
)

// ServerOptions wires the HTTP server to node state.
type ServerOptions struct {
	// Info returns the identity advertised on GET /info.
	Info func() models.Info
	// OnEnvelope receives every well-formed POST /message body. It runs on
	// the request goroutine; decryption failures must be handled inside.
	OnEnvelope func(models.MessageEnvelope)
	Logger     zerolog.Logger
	// DisableMetrics omits the /metrics endpoint.
	DisableMetrics bool
	ReadTimeout    time.Duration
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Info == nil {
		out.Info = func() models.Info { return models.Info{} }
	}
	if out.OnEnvelope == nil {
		out.OnEnvelope = func(models.MessageEnvelope) {}
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 10 * time.Second
	}
	return out
}

// Server serves the node-to-node HTTP endpoints.
type Server struct {
	options  ServerOptions
	router   *chi.Mux
	http     *http.Server
	listener net.Listener

	errs      chan error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer builds the router. Call Listen to start accepting requests.
func NewServer(options ServerOptions) *Server {
	opts := options.withDefaults()
	s := &Server{
		options: opts,
		errs:    make(chan error, 16),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(Logger(s.options.Logger))
	r.Use(chimw.Recoverer)

	r.Get(PathInfo, s.handleInfo)
	r.Post(PathMessage, s.handleMessage)
	r.Get(PathPing, s.handlePing)
	if !s.options.DisableMetrics {
		r.Handle(PathMetrics, promhttp.Handler())
	}

	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds address and serves in the background.
func (s *Server) Listen(address string) error {
	if address == "" {
		address = fmt.Sprintf(":%d", DefaultPort)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", address, err)
	}

	s.listener = listener
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.options.ReadTimeout,
		ReadTimeout:       s.options.ReadTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errs <- fmt.Errorf("serve http: %w", err):
			default:
			}
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Errors returns asynchronous serve errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close gracefully shuts the server down, waiting for in-flight requests
// until ctx expires.
func (s *Server) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		if s.http != nil {
			closeErr = s.http.Shutdown(ctx)
		}
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.options.Info())
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Status{
		Status:    StatusOnline,
		Timestamp: FormatTimestamp(time.Now()),
	})
}

// inboundEnvelope distinguishes an absent message field from an empty one.
type inboundEnvelope struct {
	models.MessageEnvelope
	Message *string `json:"message"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var in inboundEnvelope
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.Message == nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: message", ErrMissingField))
		return
	}

	envelope := in.MessageEnvelope
	envelope.Message = *in.Message
	if err := ValidateEnvelope(envelope); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.options.OnEnvelope(envelope)
	writeJSON(w, http.StatusOK, models.Ack{Status: StatusMessageReceived})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
