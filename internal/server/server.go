package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/klauspost/compress/gzhttp"
	"github.com/spf13/afero"
	"golang.org/x/net/netutil"

	"github.com/Kush-Singh-26/wasmserve/internal/config"
	"github.com/Kush-Singh-26/wasmserve/internal/mimetype"
	"github.com/Kush-Singh-26/wasmserve/internal/watch"
)

// Server is the development file server.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	broker  *reloadBroker
	handler http.Handler
}

// New wires the handler chain for cfg over root. The MIME table is settled
// here, before anything listens.
func New(cfg *config.Config, root afero.Fs, logger *slog.Logger) *Server {
	types := mimetype.New(cfg.Types)
	for _, ext := range types.Patched() {
		logger.Info("Registered MIME type", "ext", ext, "type", types.ByExtension(ext))
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	var files http.Handler = newFileHandler(root, types, cfg.Listing, logger)
	if cfg.Gzip {
		files = gzhttp.GzipHandler(files)
	}

	mux := http.NewServeMux()
	mux.Handle("/", files)
	if cfg.Reload {
		s.broker = newReloadBroker()
		mux.Handle("GET /events", s.broker)
		mux.HandleFunc("GET /__reload.js", serveReloadScript)
	}

	s.handler = logRequests(logger, withHeaders(responseHeaders(cfg), mux))
	return s
}

// Handler returns the full request handler chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run binds the configured address and serves until ctx is cancelled.
// A bind failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	fmt.Printf("🌍 Serving %s on http://%s\n", s.cfg.Dir, displayAddr(s.cfg.Host, ln.Addr()))
	if s.cfg.Host == "0.0.0.0" || s.cfg.Host == "" {
		fmt.Println("   (Accessible on your local network)")
	}
	if s.cfg.Reload {
		fmt.Println("   (Auto-reload enabled via /events, include /__reload.js)")
	}
	fmt.Println("   Press Ctrl+C to stop")

	if err := s.Serve(ctx, ln); err != nil {
		return err
	}
	fmt.Println("✅ Server stopped.")
	return nil
}

// Serve handles connections on ln until ctx is cancelled, then shuts down
// gracefully within the configured timeout. Unless the config asks for
// concurrency, one connection is accepted and completed at a time.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	if !s.cfg.Concurrent {
		ln = netutil.LimitListener(ln, 1)
		httpServer.SetKeepAlivesEnabled(false)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.broker != nil {
		httpServer.RegisterOnShutdown(s.broker.Close)
		s.startWatcher(serveCtx)
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-serveCtx.Done()
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancelShutdown()
		shutdownErr <- httpServer.Shutdown(shutdownCtx)
	}()

	err := httpServer.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-shutdownErr
		return fmt.Errorf("serve: %w", err)
	}
	if err := <-shutdownErr; err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

// startWatcher broadcasts a reload on every debounced change under the
// served directory. Failure degrades to serving without reload.
func (s *Server) startWatcher(ctx context.Context) {
	w, err := watch.New(s.cfg.Dir, s.cfg.DebounceDuration, func(e watch.Event) {
		s.logger.Info("Change detected, reloading clients", "path", e.Name, "clients", s.broker.count())
		s.broker.broadcast()
	}, s.logger)
	if err != nil {
		s.logger.Warn("Failed to create file watcher", "dir", s.cfg.Dir, "error", err)
		return
	}
	go w.Run(ctx)
}

func displayAddr(host string, addr net.Addr) string {
	port := ""
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	} else {
		_, port, _ = net.SplitHostPort(addr.String())
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
