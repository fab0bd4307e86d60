package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// PathLister returns the paths currently being watched.
type PathLister interface {
	Paths() []string
}

// WatchesResponse is the body returned by GET /watches.
type WatchesResponse struct {
	Paths   []string `json:"paths"`
	Running bool     `json:"running"`
}

// Server represents an HTTP API server for a running monitor.
type Server struct {
	ln     net.Listener
	closed bool

	httpServer  *http.Server
	promHandler http.Handler

	addr    string
	watches PathLister

	g errgroup.Group

	Logger *slog.Logger
}

// NewServer returns a new instance of Server. If watches is nil then the
// /watches endpoint is not served.
func NewServer(watches PathLister, addr string) *Server {
	s := &Server{
		addr:    addr,
		watches: watches,
		Logger:  slog.Default().WithGroup("http"),
	}

	s.promHandler = promhttp.Handler()
	s.httpServer = &http.Server{
		Handler: http.HandlerFunc(s.serveHTTP),
	}
	return s
}

// Open binds the listener and begins serving in the background.
func (s *Server) Open() (err error) {
	if s.ln, err = net.Listen("tcp", s.addr); err != nil {
		return err
	}

	s.g.Go(func() error {
		if err := s.httpServer.Serve(s.ln); err != nil && !s.closed {
			return err
		}
		return nil
	})

	return nil
}

// Close stops the listener and waits for the serving goroutine to exit.
func (s *Server) Close() (err error) {
	s.closed = true

	if s.ln != nil {
		if e := s.ln.Close(); e != nil && err == nil {
			err = e
		}
	}

	if e := s.g.Wait(); e != nil && err == nil {
		err = e
	}
	return err
}

// Port returns the port the listener is running on.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// URL returns the full base URL for the running server.
func (s *Server) URL() string {
	host, _, _ := net.SplitHostPort(s.addr)
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(s.Port())))
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/debug/pprof") {
		switch r.URL.Path {
		case "/debug/pprof/cmdline":
			httppprof.Cmdline(w, r)
		case "/debug/pprof/profile":
			httppprof.Profile(w, r)
		case "/debug/pprof/symbol":
			httppprof.Symbol(w, r)
		case "/debug/pprof/trace":
			httppprof.Trace(w, r)
		default:
			httppprof.Index(w, r)
		}
		return
	}

	switch r.URL.Path {
	case "/metrics":
		s.promHandler.ServeHTTP(w, r)

	case "/watches":
		switch r.Method {
		case http.MethodGet:
			s.handleGetWatches(w, r)
		default:
			s.writeError(w, r, "Method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetWatches(w http.ResponseWriter, r *http.Request) {
	if s.watches == nil {
		s.writeError(w, r, "Monitor not available", http.StatusServiceUnavailable)
		return
	}

	resp := WatchesResponse{Paths: s.watches.Paths()}
	if resp.Paths == nil {
		resp.Paths = []string{}
	}
	if rl, ok := s.watches.(interface{ Running() bool }); ok {
		resp.Running = rl.Running()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.Logger.Error("cannot encode watches", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err string, code int) {
	s.Logger.Error("http error", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	http.Error(w, err, code)
}
