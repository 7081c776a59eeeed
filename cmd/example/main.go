// Command example drives two trackers through simulated visits against a
// collector, the way a page with two tracker snippets would.
package main

import (
	"context"
	goflag "flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/nicktill/tinytrack/pkg/activity"
	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/event"
	"github.com/nicktill/tinytrack/pkg/metrics"
	"github.com/nicktill/tinytrack/pkg/plugin"
	"github.com/nicktill/tinytrack/pkg/plugin/traceparent"
	"github.com/nicktill/tinytrack/pkg/queue"
	"github.com/nicktill/tinytrack/pkg/schedule"
	"github.com/nicktill/tinytrack/pkg/storage"
	"github.com/nicktill/tinytrack/pkg/storage/badger"
	"github.com/nicktill/tinytrack/pkg/storage/memory"
	"github.com/nicktill/tinytrack/pkg/tracker"
	"github.com/nicktill/tinytrack/pkg/transport"
)

type options struct {
	configPath  string
	collector   string
	dataDir     string
	metricsAddr string
	visits      int
	interval    time.Duration
}

func main() {
	opts := options{visits: 5, interval: 2 * time.Second, metricsAddr: ":9102"}
	pflag.StringVar(&opts.configPath, "config", "", "YAML tracker config")
	pflag.StringVar(&opts.collector, "collector", "", "collector URL, overriding the config file")
	pflag.StringVar(&opts.dataDir, "data-dir", "", "BadgerDB directory for local storage; empty keeps it in memory")
	pflag.StringVar(&opts.metricsAddr, "metrics-addr", opts.metricsAddr, "address serving delivery /metrics; empty disables it")
	pflag.IntVar(&opts.visits, "visits", opts.visits, "number of simulated visits, 0 runs until interrupted")
	pflag.DurationVar(&opts.interval, "interval", opts.interval, "pause between simulated actions")
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	pflag.Parse()
	defer klog.Flush()

	log := klog.Background().WithName("example")
	if err := run(opts, log); err != nil {
		log.Error(err, "example failed")
		klog.Flush()
		os.Exit(1)
	}
}

func run(opts options, log logr.Logger) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.collector != "" {
		cfg.CollectorURL = opts.collector
	}

	var local storage.Store = memory.New(memory.Options{})
	if opts.dataDir != "" {
		if err := os.MkdirAll(opts.dataDir, 0755); err != nil {
			return err
		}
		db, err := badger.New(badger.Config{Path: opts.dataDir, MaxMemoryMB: 16, Logger: log})
		if err != nil {
			return err
		}
		defer db.Close()
		local = db
	}

	delivery, err := metrics.NewDelivery()
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: delivery.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.V(2).Info("metrics server stopped", "err", err)
			}
		}()
		defer srv.Close()
	}

	sender := transport.NewHTTP(cfg.ConnectionTimeout)
	shared := tracker.NewSharedState()
	sched := schedule.NewReal()
	cookies := memory.New(memory.Options{})
	session := memory.New(memory.Options{})
	registry := tracker.NewRegistry(log)

	for _, ns := range []string{"sp1", "sp2"} {
		_, err := registry.AddTracker(ns, ns, tracker.Options{
			Config:    cfg,
			Shared:    shared,
			Stores:    storage.Set{Cookie: cookies, Local: local, Session: session},
			Sender:    sender,
			Scheduler: sched,
			Observer:  delivery,
			Plugins:   []plugin.Plugin{traceparent.New()},
			OnPluginError: func(name string, err error) {
				log.V(2).Info("plugin failed", "plugin", name, "err", err)
			},
			OnDrop: func(ev event.QueuedEvent, reason queue.DropReason) {
				log.V(2).Info("event dropped", "event", ev.Name, "seq", ev.Seq, "reason", reason)
			},
			Page:   event.PageInfo{URL: "https://shop.example/", Title: "Shop"},
			Logger: log,
		})
		if err != nil {
			return err
		}
	}
	shared.MarkLoaded()

	registry.Dispatch(nil, func(t *tracker.Tracker) {
		t.EnableActivityTracking(activity.Config{
			MinimumVisitLength: config.DefaultMinimumVisitLength,
			HeartbeatDelay:     config.DefaultHeartbeatDelay,
		})
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sim := newSimulator(registry, opts.interval, log)
	for i := 0; opts.visits == 0 || i < opts.visits; i++ {
		if err := sim.visit(ctx, i); err != nil {
			break
		}
	}

	// Page unload: flush every tracker's buffer with beacons
	shared.Unload()
	sender.WaitBeacons()
	registry.Dispatch(nil, func(t *tracker.Tracker) {
		log.V(0).Info("tracker finished", "namespace", t.Namespace(),
			"pending", t.Pending(), "dropped", t.Queue().Dropped())
	})
	registry.RemoveTrackers(nil)
	return nil
}
