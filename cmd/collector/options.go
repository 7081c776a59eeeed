package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/nicktill/tinytrack/pkg/config"
)

// Options are the collector's command line settings
type Options struct {
	Addr         string
	DataDir      string
	MaxMemoryMB  int64
	RemoteConfig string
	MaxRetained  int
	MaxBodyBytes int64
	PostPath     string
	GetPath      string
}

// NewOptions returns the defaults
func NewOptions() *Options {
	return &Options{
		Addr:         config.CollectorDefaultAddr,
		MaxMemoryMB:  16,
		MaxRetained:  config.CollectorMaxEventsRetained,
		MaxBodyBytes: config.CollectorMaxBodyBytes,
		PostPath:     config.DefaultPostPath,
		GetPath:      config.DefaultGetPath,
	}
}

// AddFlags registers the options on fs
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Addr, "addr", o.Addr, "address to listen on")
	fs.StringVar(&o.DataDir, "data-dir", o.DataDir,
		"directory for the BadgerDB store keeping the remote config; empty keeps it in memory")
	fs.Int64Var(&o.MaxMemoryMB, "max-memory-mb", o.MaxMemoryMB, "BadgerDB memory budget in MB")
	fs.StringVar(&o.RemoteConfig, "remote-config", o.RemoteConfig,
		"JSON file served at /v1/config, replacing any stored document")
	fs.IntVar(&o.MaxRetained, "max-retained", o.MaxRetained, "events kept for /v1/events")
	fs.Int64Var(&o.MaxBodyBytes, "max-body-bytes", o.MaxBodyBytes, "largest POST body accepted")
	fs.StringVar(&o.PostPath, "post-path", o.PostPath, "POST tracking endpoint")
	fs.StringVar(&o.GetPath, "get-path", o.GetPath, "GET tracking endpoint")
}

// Validate checks the options after parsing
func (o *Options) Validate() error {
	if o.Addr == "" {
		return errors.New("--addr is required")
	}
	if o.MaxRetained <= 0 {
		return fmt.Errorf("--max-retained must be positive, got %d", o.MaxRetained)
	}
	if o.MaxBodyBytes <= 0 {
		return fmt.Errorf("--max-body-bytes must be positive, got %d", o.MaxBodyBytes)
	}
	if o.PostPath == "" || o.GetPath == "" || o.PostPath == o.GetPath {
		return errors.New("--post-path and --get-path must be set and differ")
	}
	return nil
}

// loadRemoteConfig reads a remote config document from path
func loadRemoteConfig(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote config: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse remote config: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("remote config %s is not a JSON object", path)
	}
	return doc, nil
}
