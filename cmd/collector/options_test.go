package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinytrack/pkg/config"
)

func TestOptions_Flags(t *testing.T) {
	opts := NewOptions()
	fs := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	opts.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{"--addr=:9090", "--data-dir=/tmp/tt", "--max-retained=50"}))

	assert.Equal(t, ":9090", opts.Addr)
	assert.Equal(t, "/tmp/tt", opts.DataDir)
	assert.Equal(t, 50, opts.MaxRetained)
	assert.Equal(t, config.DefaultPostPath, opts.PostPath)
	assert.NoError(t, opts.Validate())
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no addr", func(o *Options) { o.Addr = "" }},
		{"zero retained", func(o *Options) { o.MaxRetained = 0 }},
		{"zero body", func(o *Options) { o.MaxBodyBytes = 0 }},
		{"same paths", func(o *Options) { o.GetPath = o.PostPath }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewOptions()
			tt.mutate(opts)
			assert.Error(t, opts.Validate())
		})
	}
}

func TestLoadRemoteConfig(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"sampling":{"enabled":true}}`), 0644))
	doc, err := loadRemoteConfig(good)
	require.NoError(t, err)
	assert.Contains(t, doc, "sampling")

	array := filepath.Join(dir, "array.json")
	require.NoError(t, os.WriteFile(array, []byte(`[1]`), 0644))
	_, err = loadRemoteConfig(array)
	assert.Error(t, err)

	null := filepath.Join(dir, "null.json")
	require.NoError(t, os.WriteFile(null, []byte(`null`), 0644))
	_, err = loadRemoteConfig(null)
	assert.Error(t, err)

	_, err = loadRemoteConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
