package server

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/warden/internal/supervisor"
)

// StatusSource is implemented by *supervisor.Supervisor.
type StatusSource interface {
	Status() supervisor.Status
}

// Router provides embeddable read-only HTTP handlers for a supervisor.
// Endpoints:
//
//	GET {basePath}/status    full supervisor status
//	GET {basePath}/address   current host/port of the child
//	GET {basePath}/healthz   liveness of the supervisor itself
//	GET /metrics             Prometheus exposition, when a handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(src StatusSource, basePath string) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath)}
}

// WithMetrics mounts h at /metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/address", r.handleAddress)
	group.GET("/healthz", r.handleHealthz)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer listens on addr and serves the router in the background. Bind
// errors are returned; shut the server down with Close or Shutdown.
func NewServer(addr string, r *Router) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	server := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, ln.Addr(), nil
}

type addressResp struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Status())
}

func (r *Router) handleAddress(c *gin.Context) {
	st := r.src.Status()
	writeJSON(c, http.StatusOK, addressResp{Host: st.Host, Port: st.Port})
}

func (r *Router) handleHealthz(c *gin.Context) {
	if r.src.Status().Closed {
		writeJSON(c, http.StatusServiceUnavailable, okResp{OK: false})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
