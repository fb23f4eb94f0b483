package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svcwrap/internal/metrics"
	"github.com/loykin/svcwrap/internal/supervisor"
)

// StatusSource reports the wrapped service's current status.
type StatusSource interface {
	Status() supervisor.Status
}

// Router provides read-only HTTP handlers for one wrapped service.
// Endpoints:
//
//	GET {basePath}/status   current supervisor status as JSON
//	GET {basePath}/healthz  200 while the process is running, 503 otherwise
//	GET {basePath}/metrics  Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	gatherer prometheus.Gatherer
	basePath string
}

// NewRouter constructs a Router. A nil gatherer serves the default registry.
func NewRouter(src StatusSource, gatherer prometheus.Gatherer, basePath string) *Router {
	return &Router{src: src, gatherer: gatherer, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	mh := metrics.Handler()
	if r.gatherer != nil {
		mh = metrics.HandlerFor(r.gatherer)
	}
	group.GET("/metrics", gin.WrapH(mh))
	return g
}

// Server is a running status/metrics listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *slog.Logger
}

// NewServer binds addr and serves the router in the background. Bind errors
// are returned before anything is served.
func NewServer(addr string, r *Router, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{
			Handler:           r.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ln:  ln,
		log: log,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server stopped", "addr", ln.Addr().String(), "error", err)
		}
	}()
	log.Info("status server listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.src == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no service"})
		return
	}
	writeJSON(c, http.StatusOK, r.src.Status())
}

func (r *Router) handleHealth(c *gin.Context) {
	if r.src == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no service"})
		return
	}
	st := r.src.Status()
	code := http.StatusOK
	if st.State != supervisor.Running.String() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, gin.H{"state": st.State})
}
