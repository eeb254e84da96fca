package main

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Response texts for the control and intake endpoints.
const (
	msgStarted          = "Server started listening for events."
	msgAlreadyListening = "Server is already listening."
	msgStopped          = "Server stopped listening for events."
	msgAlreadyStopped   = "Server is already stopped."
	msgAccepted         = "Success"
	msgNotListening     = "Server is not listening for events."
	msgInvalidJSON      = "Invalid JSON payload."
	msgTooLarge         = "Payload too large."
)

// defaultMaxBodyBytes caps intake payloads.
const defaultMaxBodyBytes = 1 << 20

//go:embed ui/index.html
var indexHTML []byte

// Server wires the gate, the event store and the hub to HTTP.
type Server struct {
	gate   *Gate
	store  *EventStore
	hub    *Hub
	logger *slog.Logger
	router chi.Router

	maxBodyBytes int64
}

func NewServer(gate *Gate, store *EventStore, hub *Hub, logger *slog.Logger) *Server {
	s := &Server{
		gate:         gate,
		store:        store,
		hub:          hub,
		logger:       logger,
		router:       chi.NewRouter(),
		maxBodyBytes: defaultMaxBodyBytes,
	}
	s.routes()
	return s
}

// routes registers the reserved GET endpoints and the POST catch-all.
// Reserved paths are GET-only, so a POST to /status is an ordinary webhook.
func (s *Server) routes() {
	s.router.Use(requestID)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/", s.handleIndex)
	s.router.Get("/health", healthHandler)
	s.router.Get("/start", s.handleStart)
	s.router.Get("/stop", s.handleStop)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/events", s.handleEvents)
	s.router.Get("/events/stream", s.handleEventStream)
	s.router.Get("/ws", s.handleWebSocket)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Post("/*", s.handleIntake)

	// chi reports 405 when a path exists only for other methods; POST still
	// belongs to intake there.
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.handleIntake(w, r)
			return
		}
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed.")
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// =============================================================================
// Health and UI
// =============================================================================

// healthHandler responds with a JSON health status
// Used by Docker HEALTHCHECK and load balancers to verify the app is running
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// =============================================================================
// Control
// =============================================================================

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.gate.Start() {
		writeText(w, http.StatusOK, msgAlreadyListening)
		return
	}
	s.logger.Info("listening for events")
	writeText(w, http.StatusOK, msgStarted)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.gate.Stop() {
		writeText(w, http.StatusOK, msgAlreadyStopped)
		return
	}
	s.logger.Info("stopped listening for events")
	writeText(w, http.StatusOK, msgStopped)
}

// =============================================================================
// Query
// =============================================================================

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: s.gate.State().String()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.All())
}

// =============================================================================
// Intake
// =============================================================================

// handleIntake turns a POST into an event when the gate is open.
//
// A stopped gate answers 403 before the body is read, so oversized or
// malformed bodies are rejected the same way. The body is then read outside
// the gate and Admit re-checks the state, so a slow client never holds it.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	if s.gate.State() != Listening {
		s.reject(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, msgTooLarge)
			return
		}
		s.logger.Warn("failed to read request body", "path", r.URL.Path, "error", err)
		writeText(w, http.StatusBadRequest, "Failed to read request body.")
		return
	}

	payload, parseErr := normalizePayload(body)

	var event Event
	admitted := s.gate.Admit(func() {
		if parseErr != nil {
			return
		}
		// Published under the store lock so observers see log order.
		event = s.store.AppendFunc(r.URL.Path, payload, s.hub.PublishEvent)
	})

	switch {
	case !admitted:
		s.reject(w, r)
	case parseErr != nil:
		eventsTotal.WithLabelValues("invalid").Inc()
		writeText(w, http.StatusBadRequest, msgInvalidJSON)
	default:
		eventsTotal.WithLabelValues("accepted").Inc()
		s.logger.Info("received event", "path", event.Path, "seq", event.Seq, "bytes", len(event.Data))
		writeText(w, http.StatusOK, msgAccepted)
	}
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	eventsTotal.WithLabelValues("rejected").Inc()
	s.logger.Debug("event rejected, not listening", "path", r.URL.Path)
	writeText(w, http.StatusForbidden, msgNotListening)
}

var errNotContainer = errors.New("payload must be a JSON object or array")

// normalizePayload validates and compacts a JSON body. Only objects and
// arrays are accepted. An empty body becomes {}.
func normalizePayload(body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return json.RawMessage("{}"), nil
	}
	if body[0] != '{' && body[0] != '[' {
		return nil, errNotContainer
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

// =============================================================================
// Helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, msg)
}
