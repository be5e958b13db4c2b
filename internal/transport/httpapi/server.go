// Package httpapi exposes the event bus's HTTP surface: the OpenAI-shaped
// chat endpoint, event replay, WebSocket upgrade, persona entry points, the
// neuro state/wake routes, and the fail-open telemetry and health blocks.
//
// Every route answers 200 under any single-subsystem outage, with the
// relevant body block carrying a degraded status; the only permitted non-2xx
// responses are 401 (missing bearer) and 429 (rate limit). The mux itself is
// net/http — routing carries no domain invariant here — while the rate
// limiter uses golang.org/x/time/rate, whose token-bucket algorithm is a real
// concern.
package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/iNandix/denis/internal/config"
	"github.com/iNandix/denis/internal/controlroom"
	"github.com/iNandix/denis/internal/eventhub"
	"github.com/iNandix/denis/internal/eventstore"
	"github.com/iNandix/denis/internal/graph"
	"github.com/iNandix/denis/internal/persona"
	"github.com/iNandix/denis/internal/telemetry"
	"github.com/iNandix/denis/internal/transport/ws"
)

// Options wires the server. Store, Hub, Frontdoor, and Materializer are
// required; ControlRoom and Completer are optional.
type Options struct {
	Config       config.Config
	Store        eventstore.Store
	Hub          *eventhub.Hub
	Frontdoor    *persona.Frontdoor
	Materializer *graph.Materializer
	ControlRoom  *controlroom.Service
	// Completer produces assistant replies for the chat endpoints. Defaults
	// to a deterministic acknowledgement completer.
	Completer Completer
	// HubDrops, when set, is read by /telemetry for the hub's backpressure
	// counter. The wiring code increments it from Hub.OnDrop.
	HubDrops  *atomic.Int64
	Telemetry telemetry.Bundle
}

// Server is the HTTP surface.
type Server struct {
	opts      Options
	wsHandler *ws.Handler

	requests     atomic.Int64
	chatRequests atomic.Int64

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New builds the server and its WebSocket handler.
func New(opts Options) *Server {
	if opts.Completer == nil {
		opts.Completer = StaticCompleter{}
	}
	if opts.HubDrops == nil {
		opts.HubDrops = &atomic.Int64{}
	}
	if opts.Telemetry.Logger == nil {
		opts.Telemetry = telemetry.Noop()
	}
	return &Server{
		opts: opts,
		wsHandler: ws.NewHandler(ws.Options{
			Store:     opts.Store,
			Hub:       opts.Hub,
			Telemetry: opts.Telemetry,
		}),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Handler returns the fully wired http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("GET /v1/ws", s.wsHandler)
	mux.HandleFunc("GET /telemetry", s.handleTelemetry)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /persona/chat", s.handlePersonaChat)
	mux.HandleFunc("POST /persona/voice", s.handlePersonaVoice)
	mux.HandleFunc("GET /neuro/state", s.handleNeuroState)
	mux.HandleFunc("POST /neuro/wake", s.handleNeuroWake)
	return s.middleware(mux)
}

// middleware applies request counting, CORS, bearer auth, and rate limiting.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.applyCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if token := s.opts.Config.APIBearerToken; token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != token {
				http.Error(w, `{"error":"missing or invalid bearer token"}`, http.StatusUnauthorized)
				return
			}
		}

		if !s.allow(r) {
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origins := s.opts.Config.CORSOrigins
	if len(origins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range origins {
		if allowed == "*" || allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			break
		}
	}
}

// allow checks the per-client token bucket. A zero configured rate disables
// limiting entirely.
func (s *Server) allow(r *http.Request) bool {
	perMin := s.opts.Config.RateLimitPerMin
	if perMin <= 0 {
		return true
	}
	client := clientKey(r)

	s.limiterMu.Lock()
	limiter, ok := s.limiters[client]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		s.limiters[client] = limiter
	}
	s.limiterMu.Unlock()

	return limiter.Allow()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
