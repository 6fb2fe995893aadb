package main

import (
	"context"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/ctrlmgr/batch"
	"go.viam.com/ctrlmgr/config"
	"go.viam.com/ctrlmgr/control"
	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/handle"
	"go.viam.com/ctrlmgr/handle/fake"
	"go.viam.com/ctrlmgr/logging"
	"go.viam.com/ctrlmgr/manager"
	"go.viam.com/ctrlmgr/metrics"
	"go.viam.com/ctrlmgr/web"
)

const statsReportInterval = time.Minute

// runtime is everything a served manager is made of.
type runtime struct {
	logger    logging.Logger
	plant     *fake.Plant
	mgr       *manager.Manager
	collector *metrics.Collector
	loop      *control.Loop
	batches   *batch.Server
	svc       *web.Service
}

func newLogger(lc config.LogConfig, debug bool) (logging.Logger, io.Closer) {
	var logger logging.Logger
	if debug {
		logger = logging.NewDebugLogger("ctrlmgr")
	} else {
		logger = logging.NewLogger("ctrlmgr")
		logger.SetLevel(lc.LogLevel())
	}
	fc, ok := lc.FileConfig()
	if !ok {
		return logger, nil
	}
	appender, closer := logging.NewFileAppender(fc)
	logger.AddAppender(appender)
	return logger, closer
}

// newRuntime builds the plant, manager, loop and transport from cfg and loads the configured
// controllers. Controllers that fail to load or start are logged and skipped.
func newRuntime(ctx context.Context, cfg *config.Config, logger logging.Logger, clk clock.Clock) (*runtime, error) {
	handles := handle.NewRegistry()
	plant := cfg.Plant()
	if rejected := plant.Register(handles); len(rejected) > 0 {
		logger.Warnw("duplicate handles were not registered", "handles", rejected)
	}

	collector := metrics.NewCollector(true)
	loader := controller.NewConfigLoader(cfg.Controllers, logger.Sublogger("controllers"))
	mgr := manager.New(handles, loader, logger.Sublogger("manager"), manager.WithObserver(collector))
	if err := mgr.Init(ctx, cfg.ControllerNames(), cfg.DefaultControllers); err != nil {
		logger.CWarnw(ctx, "not every configured controller is available", "error", err)
	}

	// The plant consumes the previous tick's commands before the manager clears them.
	loop, err := control.NewLoop(logger.Sublogger("loop"), clk, cfg.UpdateRateHz, collector, plant, mgr)
	if err != nil {
		return nil, multierr.Combine(err, mgr.Close(ctx))
	}

	batches := batch.NewServer(mgr, logger.Sublogger("batch"),
		batch.WithRetention(cfg.TaskRetention),
		batch.WithClock(clk),
		batch.WithMetrics(collector),
	)
	svc := web.New(mgr, batches, loop, logger.Sublogger("web"), web.Options{
		CORS:     cfg.Network.CORS,
		Gatherer: collector.Registry(),
	})
	return &runtime{
		logger:    logger,
		plant:     plant,
		mgr:       mgr,
		collector: collector,
		loop:      loop,
		batches:   batches,
		svc:       svc,
	}, nil
}

// serve runs the loop and the HTTP API until ctx is done or serving fails.
func (rt *runtime) serve(ctx context.Context, addr string) error {
	if err := rt.loop.Start(); err != nil {
		return err
	}
	defer rt.loop.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.svc.Serve(gctx, addr)
	})
	g.Go(func() error {
		for utils.SelectContextOrWait(gctx, statsReportInterval) {
			stats := rt.loop.Stats()
			rt.logger.Debugw("update loop", "ticks", stats.Ticks, "overruns", stats.Overruns,
				"mean", stats.MeanDuration, "p99", stats.P99Duration, "jitter", stats.Jitter)
		}
		return nil
	})
	return g.Wait()
}

func (rt *runtime) close(ctx context.Context) error {
	rt.loop.Stop()
	rt.batches.Close()
	return multierr.Combine(rt.mgr.Close(ctx), rt.logger.Sync())
}

func serveAction(c *cli.Context) error {
	bootLogger := logging.NewLogger("ctrlmgr")
	cfg, err := config.Read(c.Context, c.String(flagConfig), bootLogger)
	if err != nil {
		return err
	}

	logger, fileCloser := newLogger(cfg.Log, c.Bool(flagDebug))
	if fileCloser != nil {
		defer utils.UncheckedErrorFunc(fileCloser.Close)
	}

	rt, err := newRuntime(c.Context, cfg, logger, clock.New())
	if err != nil {
		return err
	}
	serveErr := rt.serve(c.Context, cfg.Network.BindAddress)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return multierr.Combine(serveErr, rt.close(closeCtx))
}
