// Package echoserver is a small HTTP server that reflects requests back as
// JSON. The CLI serves it for manual experiments and the transport tests
// run against it.
package echoserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Echo is the JSON document returned by the echo routes.
type Echo struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   map[string][]string `json:"query,omitempty"`
	Headers map[string]string   `json:"headers,omitempty"`
	Body    any                 `json:"body,omitempty"`
	Hit     int64               `json:"hit"`
}

// Server counts every request it answers.
type Server struct {
	mux  chi.Router
	hits atomic.Int64
}

// New builds the router:
//
//	GET  /status/{code}  replies with the given status code
//	GET  /slow           waits for ?delay= (default 1s) before echoing
//	*    /*              echoes method, path, query, selected headers and body
func New() *Server {
	s := &Server{}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status/{code}", s.status)
	r.Get("/slow", s.slow)
	r.HandleFunc("/*", s.echo)

	s.mux = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Hits returns how many requests were served.
func (s *Server) Hits() int64 {
	return s.hits.Load()
}

func (s *Server) echo(w http.ResponseWriter, r *http.Request) {
	hit := s.hits.Add(1)

	out := Echo{
		Method: r.Method,
		Path:   r.URL.Path,
		Hit:    hit,
	}
	if q := r.URL.Query(); len(q) > 0 {
		out.Query = q
	}
	for _, name := range []string{"Authorization", "X-Request-Id", "X-Trace"} {
		if v := r.Header.Get(name); v != "" {
			if out.Headers == nil {
				out.Headers = map[string]string{}
			}
			out.Headers[name] = v
		}
	}

	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(data) > 0 {
			var decoded any
			if err := json.Unmarshal(data, &decoded); err != nil {
				decoded = string(data)
			}
			out.Body = decoded
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)

	code, err := strconv.Atoi(chi.URLParam(r, "code"))
	if err != nil || code < 100 || code > 599 {
		http.Error(w, "invalid status code", http.StatusBadRequest)
		return
	}
	writeJSON(w, code, map[string]any{"status": code})
}

func (s *Server) slow(w http.ResponseWriter, r *http.Request) {
	delay := time.Second
	if raw := r.URL.Query().Get("delay"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, "invalid delay", http.StatusBadRequest)
			return
		}
		delay = d
	}

	select {
	case <-time.After(delay):
		s.echo(w, r)
	case <-r.Context().Done():
		s.hits.Add(1)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
