// Package web serves the manager, its batch protocol and the update loop over JSON/HTTP, and
// provides the matching client.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"go.viam.com/ctrlmgr/batch"
	"go.viam.com/ctrlmgr/control"
	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/handle"
	"go.viam.com/ctrlmgr/logging"
	"go.viam.com/ctrlmgr/manager"
)

const (
	// DefaultMaxWait bounds how long a result request may block.
	DefaultMaxWait = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Manager is the part of *manager.Manager the service exposes.
type Manager interface {
	RequestStart(ctx context.Context, name string) (manager.StartReport, error)
	Find(name string) (controller.Controller, bool)
	State() []controller.Status
	StateOf(name string) (controller.State, error)
	Reset(ctx context.Context) error
	Handles() *handle.Registry
}

var _ Manager = (*manager.Manager)(nil)

// LoopStatser reports update loop statistics.
type LoopStatser interface {
	Stats() control.LoopStats
}

// Options configures a Service.
type Options struct {
	// CORS allows cross-origin requests from any origin.
	CORS bool
	// MaxWait bounds the wait parameter of result requests. Defaults to DefaultMaxWait.
	MaxWait time.Duration
	// Gatherer is served on /metrics when set.
	Gatherer prometheus.Gatherer
}

// Service is the HTTP front of a running manager.
type Service struct {
	logger  logging.Logger
	mgr     Manager
	batches *batch.Server
	loop    LoopStatser
	options Options
}

// New returns a service over the given manager, batch server and loop.
func New(mgr Manager, batches *batch.Server, loop LoopStatser, logger logging.Logger, options Options) *Service {
	if options.MaxWait <= 0 {
		options.MaxWait = DefaultMaxWait
	}
	return &Service{logger: logger, mgr: mgr, batches: batches, loop: loop, options: options}
}

// Handler returns the routes of the service.
func (svc *Service) Handler() http.Handler {
	mux := goji.NewMux()
	mux.Use(svc.logRequests)

	mux.HandleFunc(pat.Post("/api/v1/batches"), svc.submitBatch)
	mux.HandleFunc(pat.Get("/api/v1/batches"), svc.listBatches)
	mux.HandleFunc(pat.Get("/api/v1/batches/:id"), svc.getBatch)
	mux.HandleFunc(pat.Delete("/api/v1/batches/:id"), svc.cancelBatch)
	mux.HandleFunc(pat.Get("/api/v1/batches/:id/result"), svc.batchResult)

	mux.HandleFunc(pat.Get("/api/v1/controllers"), svc.listControllers)
	mux.HandleFunc(pat.Post("/api/v1/controllers/:name/trajectory"), svc.executeTrajectory)
	mux.HandleFunc(pat.Get("/api/v1/controllers/:name/trajectory"), svc.trajectoryStatus)
	mux.HandleFunc(pat.Post("/api/v1/controllers/:name/target"), svc.setTarget)
	mux.HandleFunc(pat.Post("/api/v1/reset"), svc.reset)

	mux.HandleFunc(pat.Get("/api/v1/handles"), svc.listHandles)
	mux.HandleFunc(pat.Get("/api/v1/handles/:name"), svc.getHandle)
	mux.HandleFunc(pat.Get("/api/v1/loop"), svc.loopStats)

	if svc.options.Gatherer != nil {
		mux.Handle(pat.Get("/metrics"), promhttp.HandlerFor(svc.options.Gatherer, promhttp.HandlerOpts{}))
	}

	if svc.options.CORS {
		return cors.AllowAll().Handler(mux)
	}
	return mux
}

// Serve listens on addr and serves until ctx is done.
func (svc *Service) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %s", addr)
	}
	return svc.ServeListener(ctx, listener)
}

// ServeListener serves on an existing listener until ctx is done. The listener is closed on
// return.
func (svc *Service) ServeListener(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveDone := make(chan struct{})
	utils.PanicCapturingGo(func() {
		select {
		case <-ctx.Done():
		case <-serveDone:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			svc.logger.Errorw("error shutting down", "error", err)
		}
	})
	svc.logger.Infow("serving", "url", "http://"+listener.Addr().String())
	err := httpServer.Serve(listener)
	close(serveDone)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (svc *Service) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		svc.logger.Debugw("handled request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
