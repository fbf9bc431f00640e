// Package daemon runs the capture pipeline and the local API as one unit.
//
// A Daemon owns the goroutines that keep arkinput alive:
//   - the key event loop feeding the aggregator
//   - the idle flush scheduler
//   - the retention sweeper
//   - the WebSocket hub and the HTTP server
//
// Stop flushes the pending session after every loop has exited.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/HakAl/arkinput/internal/api"
	"github.com/HakAl/arkinput/internal/capture"
	"github.com/HakAl/arkinput/internal/commands"
	"github.com/HakAl/arkinput/internal/config"
	"github.com/HakAl/arkinput/internal/redact"
	"github.com/HakAl/arkinput/internal/settings"
	"github.com/HakAl/arkinput/internal/store"
	"github.com/HakAl/arkinput/internal/ws"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Daemon.
type Options struct {
	Config  *config.Config
	Store   store.Store
	Source  capture.KeySource
	Windows capture.WindowProvider
	Logger  *slog.Logger
}

// Daemon wires a key source, the aggregator and the API together.
type Daemon struct {
	cfg    *config.Config
	store  store.Store
	source capture.KeySource
	logger *slog.Logger

	agg       *capture.Aggregator
	scheduler *capture.Scheduler
	gateway   *settings.Gateway
	svc       *commands.Service
	hub       *ws.Hub
	api       *api.Server

	httpServer *http.Server
	listener   net.Listener

	errc chan error

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a Daemon. Nothing runs until Start.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("daemon: store is required")
	}
	if opts.Windows == nil {
		return nil, errors.New("daemon: window provider is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	red, err := redact.New(&cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("creating redactor: %w", err)
	}
	var contentRedactor capture.ContentRedactor
	if red.Enabled() {
		contentRedactor = red
	}

	hub := ws.NewHub(cfg, logger.With("component", "ws"))
	agg := capture.NewAggregator(capture.Options{
		Windows:  opts.Windows,
		Sink:     opts.Store,
		Redactor: contentRedactor,
		OnCommit: hub.BroadcastRecordCommitted,
		Logger:   logger.With("component", "capture"),
	})
	gw := settings.NewGateway(opts.Store, agg, logger.With("component", "settings"))
	gw.OnChange(hub.BroadcastSettingsUpdated)
	svc := commands.New(opts.Store, gw, logger)

	srv := api.NewServer(cfg, svc, opts.Store, logger.With("component", "api"))
	srv.SetCapture(agg)
	srv.SetHub(hub)

	source := opts.Source
	if source == nil {
		source = capture.KeySourceFunc(func(ctx context.Context, _ func(capture.KeyEvent)) error {
			<-ctx.Done()
			return nil
		})
	}

	return &Daemon{
		cfg:       cfg,
		store:     opts.Store,
		source:    source,
		logger:    logger,
		agg:       agg,
		scheduler: capture.NewScheduler(agg, time.Duration(cfg.Capture.FlushPeriodMs)*time.Millisecond, logger.With("component", "scheduler")),
		gateway:   gw,
		svc:       svc,
		hub:       hub,
		api:       srv,
		errc:      make(chan error, 1),
	}, nil
}

// Start applies stored settings, binds the API listener and launches the
// background loops. It returns once everything is running.
func (d *Daemon) Start(ctx context.Context) error {
	st, err := d.gateway.Apply(ctx)
	if err != nil {
		return fmt.Errorf("applying settings: %w", err)
	}
	d.logger.Info("settings applied",
		"merge_interval", st.MergeInterval(),
		"excluded_apps", len(st.ExcludedApps),
	)

	if d.cfg.API.Enabled {
		ln, err := net.Listen("tcp", d.cfg.API.Listen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", d.cfg.API.Listen, err)
		}
		d.listener = ln
		d.httpServer = &http.Server{
			Handler:           d.api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.hub.Run(d.ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.scheduler.Run(d.ctx)
	}()

	d.wg.Add(1)
	go d.runEventLoop()

	sweep := time.Duration(d.cfg.Retention.SweepIntervalMinutes) * time.Minute
	if sweep > 0 {
		d.wg.Add(1)
		go d.runLoop("retention", sweep, d.sweepRetention)
	}

	if d.httpServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.logger.Info("api listening", "addr", d.listener.Addr().String())
			if err := d.httpServer.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("api server failed", "error", err)
				d.report(err)
			}
		}()
	}

	d.logger.Info("daemon started")
	return nil
}

// Addr returns the bound API address, or "" when the API is disabled.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Err delivers the first fatal error from the key source or the API server.
func (d *Daemon) Err() <-chan error {
	return d.errc
}

// Stop cancels every loop, waits for them, then commits the pending session.
// It is safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel == nil {
			return
		}
		d.logger.Info("stopping daemon")
		d.cancel()

		if d.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := d.httpServer.Shutdown(ctx); err != nil {
				d.logger.Warn("api shutdown", "error", err)
			}
			cancel()
		}

		d.wg.Wait()
		d.agg.Flush(context.Background())
		d.api.Close()

		st := d.agg.Stats()
		d.logger.Info("daemon stopped",
			"committed", st.Committed,
			"failed", st.Failed,
			"dropped", st.Dropped,
		)
	})
}

// ApplyConfig picks up the parts of a reloaded config that can change live.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	if r, ok := d.store.(interface{ SetRetentionDays(int) }); ok {
		r.SetRetentionDays(cfg.Retention.RecordsTTLDays)
		d.logger.Info("retention updated", "records_ttl_days", cfg.Retention.RecordsTTLDays)
	}
}

// Service returns the command service backing the API.
func (d *Daemon) Service() *commands.Service { return d.svc }

// Aggregator returns the running aggregator.
func (d *Daemon) Aggregator() *capture.Aggregator { return d.agg }

// Hub returns the WebSocket hub.
func (d *Daemon) Hub() *ws.Hub { return d.hub }

func (d *Daemon) runEventLoop() {
	defer d.wg.Done()

	err := d.source.Stream(d.ctx, func(ev capture.KeyEvent) {
		d.agg.HandleEvent(d.ctx, ev)
	})
	switch {
	case err != nil && d.ctx.Err() == nil:
		d.logger.Error("key source failed", "error", err)
		d.report(fmt.Errorf("key source: %w", err))
	case d.ctx.Err() == nil:
		// Finite sources (stdin, files) end here. Commit what they typed.
		d.logger.Info("key source ended")
		d.agg.Flush(d.ctx)
	}
}

// runLoop runs fn once immediately and then every interval until stopped.
func (d *Daemon) runLoop(name string, interval time.Duration, fn func(context.Context)) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Debug("loop started", "loop", name, "interval", interval)
	fn(d.ctx)
	for {
		select {
		case <-d.ctx.Done():
			d.logger.Debug("loop stopped", "loop", name)
			return
		case <-ticker.C:
			fn(d.ctx)
		}
	}
}

func (d *Daemon) sweepRetention(ctx context.Context) {
	deleted, err := d.store.RunRetention(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("retention sweep failed", "error", err)
		}
		return
	}
	if deleted > 0 {
		d.logger.Info("retention sweep", "deleted", deleted)
	}
}

func (d *Daemon) report(err error) {
	select {
	case d.errc <- err:
	default:
	}
}
