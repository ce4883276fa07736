package runtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/SoundOrion/JobFlow2/internal/runtime/consumers"
	"github.com/SoundOrion/JobFlow2/internal/runtime/jsoncodec"
	"github.com/SoundOrion/JobFlow2/internal/runtime/streams"
)

const (
	defaultStatusPort = 8081
	statusTimeout     = 5 * time.Second
)

// StreamStatus pairs a stream with the consumer this process reads it through.
type StreamStatus struct {
	Class    Class           `json:"class"`
	Stream   *streams.Info   `json:"stream,omitempty"`
	Consumer *consumers.Info `json:"consumer,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// HealthStatus reports the broker session.
type HealthStatus struct {
	Status     string       `json:"status"`
	Connection string       `json:"connection"`
	Loops      int          `json:"loops"`
	Process    ProcessUsage `json:"process"`
}

// StartStatusServer registers the status API when enabled.
func (s *Service) StartStatusServer() {
	if !s.Conf.StatusEnabled {
		return
	}

	port := s.Conf.StatusPort
	if port == 0 {
		port = defaultStatusPort
	}

	s.RegisterHTTPHandler(port, "/api/streams", http.HandlerFunc(s.handleGetStreams))
	s.RegisterHTTPHandler(port, "/api/loops", http.HandlerFunc(s.handleGetLoops))
	s.RegisterHTTPHandler(port, "/healthz", http.HandlerFunc(s.handleHealth))
}

// StreamStatuses reads the broker state of every bound stream and consumer.
// Lookup failures are reported per entry.
func (s *Service) StreamStatuses(ctx context.Context) []StreamStatus {
	out := make([]StreamStatus, 0, len(s.bindings))
	for _, b := range s.bindings {
		st := StreamStatus{Class: b.Class}
		info, err := s.streams.Info(ctx, b.Stream.Name)
		if err != nil {
			st.Error = err.Error()
			out = append(out, st)
			continue
		}
		st.Stream = &info
		if ci, err := s.consumers.Info(ctx, b.Consumer.Stream, b.Consumer.Name); err == nil {
			st.Consumer = &ci
		}
		out = append(out, st)
	}
	return out
}

func (s *Service) handleGetStreams(w http.ResponseWriter, r *http.Request) {
	if s.writeCORS(w, r) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	s.writeJSON(w, http.StatusOK, s.StreamStatuses(ctx))
}

func (s *Service) handleGetLoops(w http.ResponseWriter, r *http.Request) {
	if s.writeCORS(w, r) {
		return
	}
	loops := s.Loops()
	stats := make([]*LoopStats, 0, len(loops))
	for _, l := range loops {
		stats = append(stats, l.Stats())
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.writeCORS(w, r) {
		return
	}
	health := HealthStatus{
		Status:     "ok",
		Connection: s.conn.Status().String(),
		Loops:      len(s.Loops()),
		Process:    s.process.Snapshot(),
	}
	code := http.StatusOK
	if !s.conn.IsConnected() {
		health.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, health)
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode status response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// writeCORS sets CORS headers and reports whether the request was a
// preflight that has been fully answered.
func (s *Service) writeCORS(w http.ResponseWriter, r *http.Request) bool {
	if len(s.Conf.StatusCORSAllowedOrigins) > 0 {
		if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
