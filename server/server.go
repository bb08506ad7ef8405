package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"rover/control"
	"rover/ups"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BatterySource reports the last UPS reading. *ups.UpsModule3S satisfies it.
type BatterySource interface {
	Status() ups.Status
}

// PeerCounter reports live WebRTC peers. *media.Negotiator satisfies it.
type PeerCounter interface {
	Peers() int
}

// Options wires the HTTP surface. Nil handlers leave their route out.
type Options struct {
	Listener       *control.Listener
	WebSocket      control.WebSocketOptions
	Offer          http.Handler
	MJPEG          http.Handler
	Battery        BatterySource
	Peers          PeerCounter
	StaticDir      string
	AllowedOrigins []string
	Logger         *zap.Logger
}

type Status struct {
	Battery  *ups.Status           `json:"battery"`
	Sessions []control.SessionInfo `json:"sessions"`
	Peers    int                   `json:"peers"`
}

func NewRouter(opts Options) *mux.Router {
	logger := opts.Logger.Named("http")
	router := mux.NewRouter()

	router.Handle("/ws", control.WebSocketHandler(opts.Listener, opts.WebSocket)).Methods("GET")
	if opts.Offer != nil {
		router.Handle("/offer", opts.Offer).Methods("POST", "OPTIONS")
	}
	if opts.MJPEG != nil {
		router.Handle("/mjpeg_stream", opts.MJPEG).Methods("GET")
	}
	router.HandleFunc("/status", statusHandler(opts)).Methods("GET", "OPTIONS")
	if opts.StaticDir != "" {
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(opts.StaticDir))).Methods("GET")
	}

	router.Use(corsMiddleware(opts.AllowedOrigins))
	router.Use(loggingMiddleware(logger))
	return router
}

func statusHandler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := Status{Sessions: opts.Listener.Sessions()}
		if opts.Battery != nil {
			battery := opts.Battery.Status()
			status.Battery = &battery
		}
		if opts.Peers != nil {
			status.Peers = opts.Peers.Peers()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}

// corsMiddleware lets browser clients served from another origin reach
// /offer and /status. An empty allow list accepts any origin.
func corsMiddleware(allowed []string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case len(allowed) == 0:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case originAllowed(allowed, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("Request served",
				zap.String("method", r.Method),
				zap.String("uri", r.RequestURI),
				zap.String("remote", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
