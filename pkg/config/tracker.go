package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// StateStorageStrategy selects where identifiers and the outbound queue are kept.
type StateStorageStrategy string

const (
	StrategyCookieAndLocalStorage StateStorageStrategy = "cookieAndLocalStorage"
	StrategyCookie                StateStorageStrategy = "cookie"
	StrategyLocalStorage          StateStorageStrategy = "localStorage"
	StrategyNone                  StateStorageStrategy = "none"
)

// UsesCookie reports whether the strategy writes identifiers to the cookie store.
func (s StateStorageStrategy) UsesCookie() bool {
	return s == StrategyCookieAndLocalStorage || s == StrategyCookie
}

// UsesLocalStorage reports whether the strategy may write to local storage,
// which also enables persisting the outbound queue.
func (s StateStorageStrategy) UsesLocalStorage() bool {
	return s == StrategyCookieAndLocalStorage || s == StrategyLocalStorage
}

func (s StateStorageStrategy) valid() bool {
	switch s {
	case StrategyCookieAndLocalStorage, StrategyCookie, StrategyLocalStorage, StrategyNone:
		return true
	}
	return false
}

// EventMethod is the preferred transport for outbound events.
type EventMethod string

const (
	MethodPost   EventMethod = "post"
	MethodGet    EventMethod = "get"
	MethodBeacon EventMethod = "beacon"
)

// MergePreference decides which side wins when local and remote config overlap.
type MergePreference string

const (
	PreferApp    MergePreference = "app"
	PreferRemote MergePreference = "rem"
	PreferMerge  MergePreference = "merge"
)

// AnonymousTrackingOptions configures anonymous tracking.
type AnonymousTrackingOptions struct {
	Enabled                 bool `yaml:"enabled" json:"enabled" env:"ENABLED"`
	WithSessionTracking     bool `yaml:"with_session_tracking" json:"with_session_tracking" env:"WITH_SESSION_TRACKING"`
	WithServerAnonymisation bool `yaml:"with_server_anonymisation" json:"with_server_anonymisation" env:"WITH_SERVER_ANONYMISATION"`
}

// ContextsConfig toggles the built-in contexts.
type ContextsConfig struct {
	WebPage *bool `yaml:"web_page" json:"web_page" env:"WEB_PAGE"`
	Session bool  `yaml:"session" json:"session" env:"SESSION"`
}

// TrackerConfig is the configuration record of a single tracker. Zero values
// are replaced by defaults in Resolve; pointer fields distinguish "unset"
// from an explicit false.
type TrackerConfig struct {
	AppID    string `yaml:"app_id" json:"app_id" env:"APP_ID"`
	Platform string `yaml:"platform" json:"platform" env:"PLATFORM"`

	CollectorURL  string            `yaml:"collector_url" json:"collector_url" env:"COLLECTOR_URL"`
	PostPath      string            `yaml:"post_path" json:"post_path" env:"POST_PATH"`
	GetPath       string            `yaml:"get_path" json:"get_path" env:"GET_PATH"`
	EventMethod   EventMethod       `yaml:"event_method" json:"event_method" env:"EVENT_METHOD"`
	CustomHeaders map[string]string `yaml:"custom_headers" json:"custom_headers" env:"CUSTOM_HEADERS"`
	UseStm        *bool             `yaml:"use_stm" json:"use_stm" env:"USE_STM"`
	EncodeBase64  *bool             `yaml:"encode_base64" json:"encode_base64" env:"ENCODE_BASE64"`

	BufferSize        int           `yaml:"buffer_size" json:"buffer_size" env:"BUFFER_SIZE"`
	FlushInterval     time.Duration `yaml:"flush_interval" json:"flush_interval" env:"FLUSH_INTERVAL"`
	MaxGetBytes       int           `yaml:"max_get_bytes" json:"max_get_bytes" env:"MAX_GET_BYTES"`
	MaxPostBytes      int           `yaml:"max_post_bytes" json:"max_post_bytes" env:"MAX_POST_BYTES"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout" env:"CONNECTION_TIMEOUT"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
	RetryMinDelay     time.Duration `yaml:"retry_min_delay" json:"retry_min_delay" env:"RETRY_MIN_DELAY"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" json:"retry_max_delay" env:"RETRY_MAX_DELAY"`

	StateStorageStrategy     StateStorageStrategy `yaml:"state_storage_strategy" json:"state_storage_strategy" env:"STATE_STORAGE_STRATEGY"`
	MaxLocalStorageQueueSize int                  `yaml:"max_local_storage_queue_size" json:"max_local_storage_queue_size" env:"MAX_LOCAL_STORAGE_QUEUE_SIZE"`
	StorageKeyPrefix         string               `yaml:"storage_key_prefix" json:"storage_key_prefix" env:"STORAGE_KEY_PREFIX"`

	CookieDomain         string        `yaml:"cookie_domain" json:"cookie_domain" env:"COOKIE_DOMAIN"`
	CookiePath           string        `yaml:"cookie_path" json:"cookie_path" env:"COOKIE_PATH"`
	CookieName           string        `yaml:"cookie_name" json:"cookie_name" env:"COOKIE_NAME"`
	CookieSameSite       string        `yaml:"cookie_same_site" json:"cookie_same_site" env:"COOKIE_SAME_SITE"`
	CookieSecure         *bool         `yaml:"cookie_secure" json:"cookie_secure" env:"COOKIE_SECURE"`
	CookieLifetime       time.Duration `yaml:"cookie_lifetime" json:"cookie_lifetime" env:"COOKIE_LIFETIME"`
	SessionCookieTimeout time.Duration `yaml:"session_cookie_timeout" json:"session_cookie_timeout" env:"SESSION_COOKIE_TIMEOUT"`

	AnonymousTracking AnonymousTrackingOptions `yaml:"anonymous_tracking" json:"anonymous_tracking" envPrefix:"ANONYMOUS_"`
	Contexts          ContextsConfig           `yaml:"contexts" json:"contexts" envPrefix:"CONTEXTS_"`
	RespectDoNotTrack bool                     `yaml:"respect_do_not_track" json:"respect_do_not_track" env:"RESPECT_DO_NOT_TRACK"`

	ResetActivityTrackingOnPageView *bool `yaml:"reset_activity_tracking_on_page_view" json:"reset_activity_tracking_on_page_view" env:"RESET_ACTIVITY_TRACKING_ON_PAGE_VIEW"`

	RemoteConfigURL     string          `yaml:"remote_config_url" json:"remote_config_url" env:"REMOTE_CONFIG_URL"`
	RemoteConfigRefresh time.Duration   `yaml:"remote_config_refresh" json:"remote_config_refresh" env:"REMOTE_CONFIG_REFRESH"`
	MergePreference     MergePreference `yaml:"merge_preference" json:"merge_preference" env:"MERGE_PREFERENCE"`
	// LocalConfig is the application-supplied layer merged with remote config.
	LocalConfig map[string]interface{} `yaml:"local_config" json:"local_config"`
}

var (
	// ErrInvalidStrategy is returned for an unknown state storage strategy.
	ErrInvalidStrategy = errors.New("invalid state storage strategy")

	// ErrInvalidEventMethod is returned for an unknown event method.
	ErrInvalidEventMethod = errors.New("invalid event method")

	// ErrInvalidMergePreference is returned for an unknown merge preference.
	ErrInvalidMergePreference = errors.New("invalid merge preference")
)

// Resolve fills defaults and validates enumerations. It is called once when a
// tracker is constructed; the tracker never probes optional fields afterwards.
func Resolve(c TrackerConfig) (TrackerConfig, error) {
	if c.Platform == "" {
		c.Platform = DefaultPlatform
	}
	if c.CollectorURL == "" {
		c.CollectorURL = DefaultCollectorURL
	}
	if c.PostPath == "" {
		c.PostPath = DefaultPostPath
	}
	if c.GetPath == "" {
		c.GetPath = DefaultGetPath
	}
	if c.EventMethod == "" {
		c.EventMethod = MethodPost
	}
	switch c.EventMethod {
	case MethodPost, MethodGet, MethodBeacon:
	default:
		return c, fmt.Errorf("%w: %q", ErrInvalidEventMethod, c.EventMethod)
	}
	if c.UseStm == nil {
		c.UseStm = boolPtr(true)
	}
	if c.EncodeBase64 == nil {
		c.EncodeBase64 = boolPtr(true)
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxPostBytes <= 0 {
		c.MaxPostBytes = DefaultMaxPostBytes
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryMinDelay <= 0 {
		c.RetryMinDelay = DefaultRetryMinDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryMinDelay {
		c.RetryMaxDelay = c.RetryMinDelay
	}
	if c.StateStorageStrategy == "" {
		c.StateStorageStrategy = StrategyCookieAndLocalStorage
	}
	if !c.StateStorageStrategy.valid() {
		return c, fmt.Errorf("%w: %q", ErrInvalidStrategy, c.StateStorageStrategy)
	}
	if c.MaxLocalStorageQueueSize <= 0 {
		c.MaxLocalStorageQueueSize = DefaultMaxLocalStorageQueueSize
	}
	if c.StorageKeyPrefix == "" {
		c.StorageKeyPrefix = DefaultStorageKeyPrefix
	}
	if c.CookiePath == "" {
		c.CookiePath = DefaultCookiePath
	}
	if c.CookieName == "" {
		c.CookieName = DefaultCookieName
	}
	if c.CookieSameSite == "" {
		c.CookieSameSite = DefaultCookieSameSite
	}
	if c.CookieSecure == nil {
		c.CookieSecure = boolPtr(true)
	}
	if c.CookieLifetime <= 0 {
		c.CookieLifetime = DefaultCookieLifetime
	}
	if c.SessionCookieTimeout <= 0 {
		c.SessionCookieTimeout = DefaultSessionCookieTimeout
	}
	if c.Contexts.WebPage == nil {
		c.Contexts.WebPage = boolPtr(true)
	}
	if c.ResetActivityTrackingOnPageView == nil {
		c.ResetActivityTrackingOnPageView = boolPtr(true)
	}
	if c.RemoteConfigRefresh <= 0 {
		c.RemoteConfigRefresh = DefaultRemoteConfigRefresh
	}
	if c.MergePreference == "" {
		c.MergePreference = PreferMerge
	}
	switch c.MergePreference {
	case PreferApp, PreferRemote, PreferMerge:
	default:
		return c, fmt.Errorf("%w: %q", ErrInvalidMergePreference, c.MergePreference)
	}
	if c.CustomHeaders == nil {
		c.CustomHeaders = make(map[string]string)
	}
	return c, nil
}

// Load reads a YAML tracker config file, applies TINYTRACK_* environment
// overrides and resolves defaults.
func Load(path string) (TrackerConfig, error) {
	var c TrackerConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := env.ParseWithOptions(&c, env.Options{Prefix: "TINYTRACK_"}); err != nil {
		return c, fmt.Errorf("parse env: %w", err)
	}
	return Resolve(c)
}

// Bool dereferences an optional flag, treating nil as false.
func Bool(p *bool) bool {
	return p != nil && *p
}

func boolPtr(b bool) *bool { return &b }
