// Package api serves the presence HTTP API.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/presence.report/internal/advertmux"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Wait limits for /api/presence/wait.
const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 10 * time.Minute
)

type Server struct {
	tracker *presence.Tracker
	db      *db.DB
	source  advertmux.AdvertMuxInterface
	clock   timeutil.Clock
}

// NewServer builds the API over a tracker and its store. source may be nil
// when advertisements arrive over the message bus.
func NewServer(tracker *presence.Tracker, database *db.DB, source advertmux.AdvertMuxInterface, clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		tracker: tracker,
		db:      database,
		source:  source,
		clock:   clock,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/presence", s.handlePresence)
	mux.HandleFunc("/api/presence/wait", s.handlePresenceWait)
	mux.HandleFunc("/api/beacons", s.handleBeacons)
	mux.HandleFunc("/api/beacons/signal", s.handleSignal)
	mux.HandleFunc("/api/transitions", s.handleTransitions)
	mux.HandleFunc("/api/charts/rssi", s.handleRSSIChart)
	mux.HandleFunc("/api/stats", s.handleStats)
	return mux
}
