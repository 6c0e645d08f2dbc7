package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/continuousprint/internal/api"
	"github.com/orrn/continuousprint/internal/api/handlers"
	"github.com/orrn/continuousprint/internal/config"
	"github.com/orrn/continuousprint/internal/core"
	"github.com/orrn/continuousprint/internal/db"
	"github.com/orrn/continuousprint/internal/device"
	"github.com/orrn/continuousprint/internal/host"
	"github.com/orrn/continuousprint/internal/lan"
	"github.com/orrn/continuousprint/internal/logging"
	"github.com/orrn/continuousprint/internal/metrics"
	"github.com/orrn/continuousprint/internal/notify"
	"github.com/orrn/continuousprint/internal/scripts"
)

const (
	shutdownTimeout = 10 * time.Second
	messageHistory  = 100
)

// app is the assembled queue service.
type app struct {
	log        *log.Logger
	store      *db.Store
	sender     *notify.WebhookSender
	controller *core.Controller
	watcher    *device.Watcher
	server     *http.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*app, error) {
	if logger.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	pp, err := config.LookupProfile(cfg.Printer.Profile)
	if err != nil {
		return nil, err
	}
	profile := coreProfile(pp)

	store, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if n, err := store.CloseOpenRuns(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to close stale runs: %w", err)
	} else if n > 0 {
		logger.WithField("runs", n).Warn("closed runs left open by previous shutdown")
	}

	dev := device.NewClient(cfg.Device, logging.Component(logger, "device"))

	ring := notify.NewRing(messageHistory)
	sender := notify.NewWebhookSender(store, cfg.Webhooks, logging.Component(logger, "webhooks"))
	hub := notify.NewHub(logging.Component(logger, "notify"), ring, sender)

	runner := scripts.NewRunner(dev, cfg.Scripts.ByEvent(), hub, logging.Component(logger, "scripts"))
	if err := runner.Validate(); err != nil {
		store.Close()
		return nil, err
	}

	sup := core.NewSupervisor(store, cfg.Queue.Name, profile)
	sup.SetResolver(lan.NewHTTPResolver(dev, cfg.Device.Timeout, logging.Component(logger, "lan")))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(reg)

	fallback := core.RetryPolicy{
		Enabled:    cfg.Retry.Enabled,
		MaxRetries: cfg.Retry.MaxRetries,
		MaxElapsed: cfg.Retry.MaxElapsed,
	}
	retry, err := handlers.LoadRetryPolicy(ctx, store, fallback)
	if err != nil {
		logger.WithError(err).Warn("ignoring saved retry settings")
	}

	var cooldown *core.Cooldown
	if cfg.Cooldown.Enabled {
		cooldown = &core.Cooldown{
			Threshold: cfg.Cooldown.Threshold,
			Timeout:   cfg.Cooldown.Timeout,
			Interval:  cfg.Cooldown.PollInterval,
			Log:       logging.Component(logger, "cooldown"),
		}
	}

	driver := core.NewDriver(core.DriverDeps{
		Store:       store,
		Runner:      runner,
		Supervisor:  sup,
		Notifier:    hub,
		Thermometer: dev,
		Clock:       core.SystemClock,
		Metrics:     recorder,
		Log:         logging.Component(logger, "driver"),
	}, core.DriverConfig{
		Retry:              retry,
		Cooldown:           cooldown,
		MaterialGating:     cfg.Materials.SelectionEnabled,
		DeactivateOnFinish: cfg.Queue.DeactivateOnFinish,
		StartTimeout:       cfg.Queue.StartTimeout,
		IdleGrace:          2 * cfg.Device.PollInterval,
	})

	ctrl := core.NewController(driver, dev, store, hub, logging.Component(logger, "controller"), core.ControllerConfig{
		TickInterval: cfg.Queue.TickInterval,
	})

	dispatcher := host.NewDispatcher(ctrl, logging.Component(logger, "host"))
	watcher := device.NewWatcher(dev, cfg.Device.PollInterval, func(ev host.Event) {
		dispatcher.Handle(ev)
	}, logging.Component(logger, "watcher"))

	router, err := api.NewRouter(ctx, api.Deps{
		Store:          store,
		Controller:     ctrl,
		Dispatcher:     dispatcher,
		Ring:           ring,
		Webhooks:       sender,
		Files:          dev,
		Profile:        profile,
		MaterialGating: cfg.Materials.SelectionEnabled,
		Queue:          cfg.Queue.Name,
		Gatherer:       reg,
		SecureCookie:   cfg.Server.SecureCookie,
		Logger:         logging.Component(logger, "api"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		log:        logger,
		store:      store,
		sender:     sender,
		controller: ctrl,
		watcher:    watcher,
		server:     api.NewServer(cfg.Server, router),
	}, nil
}

// run blocks until ctx is cancelled or the HTTP server fails, then stops
// every component in reverse start order.
func (a *app) run(ctx context.Context) error {
	a.sender.Start()
	defer a.sender.Stop()

	if err := a.controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer a.controller.Stop()

	a.watcher.Start(ctx)
	defer a.watcher.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.WithField("addr", a.server.Addr).Info("listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *app) close() error {
	return a.store.Close()
}

func coreProfile(p *config.PrinterProfile) core.Profile {
	return core.Profile{
		Name:         p.Name,
		Model:        p.Model,
		Width:        p.Width,
		Depth:        p.Depth,
		Height:       p.Height,
		FormFactor:   p.FormFactor,
		SelfClearing: p.SelfClearing,
	}
}
