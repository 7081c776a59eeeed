package config

import "time"

// Tracker defaults
const (
	DefaultCollectorURL             = "http://localhost:8080"
	DefaultPostPath                 = "/com.snowplowanalytics.snowplow/tp2"
	DefaultGetPath                  = "/i"
	DefaultCookieName               = "_cnv_"
	DefaultCookiePath               = "/"
	DefaultCookieSameSite           = "None"
	DefaultCookieLifetime           = 63072000 * time.Second // 2 years
	DefaultSessionCookieTimeout     = 30 * time.Minute
	DefaultBufferSize               = 1
	DefaultMaxPostBytes             = 40000
	DefaultMaxLocalStorageQueueSize = 1000
	DefaultConnectionTimeout        = 5 * time.Second
	DefaultPlatform                 = "web"
	DefaultStorageKeyPrefix         = "tinytrack_"
)

// Delivery retry defaults
const (
	DefaultMaxRetries    = 5
	DefaultRetryMinDelay = 1 * time.Second
	DefaultRetryMaxDelay = 1 * time.Minute
	RetryFactor          = 2.0
)

// Remote config defaults
const (
	DefaultRemoteConfigRefresh = 1 * time.Hour
	RemoteConfigFetchTimeout   = 10 * time.Second
	MaxRemoteConfigBytes       = 1 << 20
)

// Activity tracking defaults
const (
	DefaultMinimumVisitLength = 5 * time.Second
	DefaultHeartbeatDelay     = 10 * time.Second
)

// Storage keys (appended to the storage key prefix)
const (
	RemoteConfigStorageKey         = "RemoteConfig"
	SamplingRandomNumberStorageKey = "SamplingRandomNumber"
	OutQueueStorageKey             = "OutQueue"
)

// Collector defaults
const (
	CollectorDefaultAddr       = ":8080"
	CollectorReadTimeout       = 10 * time.Second
	CollectorWriteTimeout      = 10 * time.Second
	CollectorShutdownTimeout   = 30 * time.Second
	CollectorMaxEventsRetained = 10000
	CollectorMaxBodyBytes      = 1 << 20
	CollectorMaxEventsPerPost  = 500
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
