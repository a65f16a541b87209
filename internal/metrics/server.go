package metrics

import (
	"context"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Server exposes /metrics over fasthttp.
type Server struct {
	srv    *fasthttp.Server
	ln     net.Listener
	logger *slog.Logger
}

// Listen binds addr and prepares the metrics handler. Serve must be called
// to start accepting connections.
func Listen(addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	promHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	handler := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			promHandler(ctx)
		case "/healthz":
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString("ok")
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	return &Server{
		srv: &fasthttp.Server{
			Handler: handler,
			Name:    "computeshare-worker",
		},
		ln:     ln,
		logger: logger.With("component", "metrics"),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until the listener is closed or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.srv.Shutdown()
	}()
	s.logger.Info("metrics server started", "addr", s.Addr())
	return s.srv.Serve(s.ln)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}
