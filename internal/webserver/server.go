// Package webserver exposes a Daemon over HTTP: the JSON control API, the
// /ws hub, /metrics, and the iteration proxy for every other path.
package webserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iteratedev/iterate/internal/config"
	"github.com/iteratedev/iterate/internal/daemon"
	"github.com/iteratedev/iterate/internal/debug"
)

// Options configures web server behavior.
type Options struct {
	Host string
	Port int
}

// Server hosts the control API, the WebSocket hub and the iteration proxy.
type Server struct {
	daemon     *daemon.Daemon
	httpServer *http.Server
	host       string
	port       int
}

func New(d *daemon.Daemon, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}

	port := opts.Port
	if port < 0 {
		port = config.DefaultDaemonPort
	}

	srv := &Server{
		daemon: d,
		host:   host,
		port:   port,
	}

	mux := http.NewServeMux()
	srv.setupRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           corsMiddleware(logMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler returns the root handler, middleware included.
func (srv *Server) Handler() http.Handler {
	return srv.httpServer.Handler
}

// Start binds the listener and serves in a background goroutine. Port 0
// picks a free port; Addr reports the bound one afterwards.
func (srv *Server) Start() error {
	if srv.httpServer == nil {
		return fmt.Errorf("webserver not initialized")
	}

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return err
	}

	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		srv.port = tcpAddr.Port
		srv.httpServer.Addr = srv.Addr()
	}

	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.LogKV("webserver", "server stopped with error", "error", err)
		}
	}()

	debug.LogKV("webserver", "listening", "addr", srv.Addr())
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.httpServer == nil {
		return nil
	}
	return srv.httpServer.Shutdown(ctx)
}

// Addr returns the bound host:port address.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

func (srv *Server) Port() int {
	return srv.port
}

func (srv *Server) URL() string {
	return "http://" + srv.Addr()
}

func (srv *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/iterations", srv.handleListIterations)
	mux.HandleFunc("POST /api/iterations", srv.handleCreateIteration)
	mux.HandleFunc("POST /api/iterations/pick", srv.handlePick)
	mux.HandleFunc("GET /api/iterations/{name}", srv.handleGetIteration)
	mux.HandleFunc("GET /api/iterations/{name}/logs", srv.handleIterationLogs)
	mux.HandleFunc("DELETE /api/iterations/{name}", srv.handleDeleteIteration)

	mux.HandleFunc("GET /api/annotations", srv.handleListAnnotations)
	mux.HandleFunc("GET /api/annotations/pending", srv.handlePendingAnnotations)
	mux.HandleFunc("PATCH /api/annotations/{id}/{action}", srv.handleAnnotationAction)
	mux.HandleFunc("GET /api/dom-changes", srv.handleListDomChanges)
	mux.HandleFunc("DELETE /api/dom-changes", srv.handleClearDomChanges)

	mux.HandleFunc("POST /api/command", srv.handleRunCommand)
	mux.HandleFunc("GET /api/command/latest", srv.handleLatestCommand)
	mux.HandleFunc("GET /api/command/{id}", srv.handleCommandByID)

	mux.HandleFunc("GET /api/state", srv.handleState)
	mux.HandleFunc("GET /api/config", srv.handleConfig)
	mux.HandleFunc("GET /api/health", srv.handleHealth)
	mux.HandleFunc("POST /api/shutdown", srv.handleShutdown)

	// Catch-all for unknown API routes
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	mux.Handle("GET /ws", srv.daemon.Hub())
	mux.Handle("GET /metrics", srv.daemon.Metrics().Handler())

	// Everything else is /<iteration>/... and goes to that preview server.
	mux.Handle("/", srv.daemon.Proxy())
}
