// Command collector runs the tinytrack development collector.
package main

import (
	"context"
	goflag "flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/nicktill/tinytrack/pkg/collector"
	"github.com/nicktill/tinytrack/pkg/config"
	"github.com/nicktill/tinytrack/pkg/metrics"
	"github.com/nicktill/tinytrack/pkg/storage"
	"github.com/nicktill/tinytrack/pkg/storage/badger"
	"github.com/nicktill/tinytrack/pkg/storage/memory"
)

const gcInterval = 10 * time.Minute

func main() {
	opts := NewOptions()
	opts.AddFlags(pflag.CommandLine)
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	pflag.Parse()
	defer klog.Flush()

	log := klog.Background().WithName("tinytrack")
	if err := opts.Validate(); err != nil {
		log.Error(err, "invalid flags")
		os.Exit(2)
	}
	if err := run(opts, log); err != nil {
		log.Error(err, "collector failed")
		klog.Flush()
		os.Exit(1)
	}
}

func run(opts *Options, log logr.Logger) error {
	var (
		store storage.Store
		db    *badger.Store
	)
	if opts.DataDir != "" {
		if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
			return err
		}
		var err error
		db, err = badger.New(badger.Config{
			Path:        opts.DataDir,
			MaxMemoryMB: opts.MaxMemoryMB,
			Logger:      log,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		store = db
		log.V(0).Info("using badger store", "dir", opts.DataDir)
	} else {
		store = memory.New(memory.Options{})
	}

	m, err := metrics.NewIngest()
	if err != nil {
		return err
	}

	c := collector.New(collector.Options{
		PostPath:     opts.PostPath,
		GetPath:      opts.GetPath,
		MaxRetained:  opts.MaxRetained,
		MaxBodyBytes: opts.MaxBodyBytes,
		Store:        store,
		Metrics:      m,
		Logger:       log,
	})
	if opts.RemoteConfig != "" {
		doc, err := loadRemoteConfig(opts.RemoteConfig)
		if err != nil {
			return err
		}
		if err := c.SetRemoteConfig(doc); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Hub().Run(ctx)
	}()
	if db != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runBadgerGC(ctx, db, log)
		}()
	}

	server := &http.Server{
		Addr:         opts.Addr,
		Handler:      c.Router(),
		ReadTimeout:  config.CollectorReadTimeout,
		WriteTimeout: config.CollectorWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.V(0).Info("collector listening", "addr", opts.Addr,
			"post", opts.PostPath, "get", opts.GetPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.V(0).Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	// Stop the hub and GC loop before waiting on them
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.CollectorShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.V(2).Info("server shutdown incomplete", "err", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.V(0).Info("background tasks did not stop in time")
	}

	stats := c.Stats()
	log.V(0).Info("collector stopped", "received", stats.Received, "rejected", stats.Rejected)
	return nil
}

// runBadgerGC reclaims value log space until ctx is done
func runBadgerGC(ctx context.Context, db *badger.Store, log logr.Logger) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := db.RunGC(0.5); err != nil {
				log.V(2).Info("badger GC failed", "err", err)
				continue
			}
			log.V(4).Info("badger GC finished", "took", time.Since(start).Round(time.Millisecond))
		case <-ctx.Done():
			return
		}
	}
}
