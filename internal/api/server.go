// Package api provides the HTTP and gRPC servers for quantcache, exposing
// cached daily bars, intraday ticks and cache administration endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"quantcache/internal/cache"
	"quantcache/internal/domain"
)

// Service is the cache surface the API serves. *cache.Manager implements it.
type Service interface {
	GetRange(ctx context.Context, symbol string, start, end time.Time, useCache bool) []domain.Bar
	GetDay(ctx context.Context, symbol string, day time.Time) ([]domain.Tick, error)
	GetLiveDay(ctx context.Context, symbol string) (time.Time, []domain.Tick, error)
	GetHistoricalDay(ctx context.Context, symbol string, day time.Time) ([]domain.Tick, error)
	ListDays(ctx context.Context, symbol string) ([]time.Time, error)
	CacheInfo(ctx context.Context, symbol string) (cache.Info, error)
	Clear(ctx context.Context, symbol string) error
	Cleanup(ctx context.Context, daysToKeep int) (int, error)
}

var _ Service = (*cache.Manager)(nil)

// Options configures the Server.
type Options struct {
	HTTPAddr string
	GRPCAddr string // empty disables the gRPC listener
	DataDir  string // probed by the health service
	// RetentionDays is the cleanup window used when a request names none.
	RetentionDays int
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	svc    Service
	opts   Options
	log    *slog.Logger
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates a new Server for svc.
func NewServer(svc Service, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		svc:  svc,
		opts: opts,
		log:  log.With("component", "api"),
	}
	s.http = &http.Server{
		Addr:              opts.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpc, s.health = newGRPCServer()
	return s
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs. Cancellation shuts both
// servers down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.opts.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.HTTPAddr, err)
	}
	var grpcLis net.Listener
	if s.opts.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", s.opts.GRPCAddr); err != nil {
			httpLis.Close()
			return fmt.Errorf("listening on %s: %w", s.opts.GRPCAddr, err)
		}
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve runs the servers on already-open listeners. grpcLis may be nil.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http listening", "addr", httpLis.Addr().String())
		if err := s.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcLis != nil {
		s.updateHealth()
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", grpcLis.Addr().String())
			if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	err := s.http.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("api stopped")
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
