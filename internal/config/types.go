package config

import "time"

// AppConfig is the resolved runtime configuration. Precedence when loading:
// environment > config file > defaults.
type AppConfig struct {
	Version   string
	DataDir   string
	LogLevel  string
	LogPretty bool

	Platform  PlatformConfig
	Client    ClientConfig
	Session   SessionConfig
	Search    SearchConfig
	Filter    FilterConfig
	Download  DownloadConfig
	Ledger    LedgerConfig
	History   HistoryConfig
	Status    StatusConfig
	Telemetry TelemetryConfig
}

// PlatformConfig addresses the remote video platform.
type PlatformConfig struct {
	APIBase      string // main API host
	PassportBase string // login/credential host
}

// ClientConfig tunes the rate-limited transport.
type ClientConfig struct {
	RequestInterval  time.Duration // minimum spacing between requests
	RequestJitter    time.Duration // extra uniform random delay per request
	Retries          int           // retries after the first attempt
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	RetryAfterCap    time.Duration // upper clamp for server-issued retry-after
	UARotateEvery    int           // rotate user agent after N requests (0 = off)
	UARotateInterval time.Duration // rotate user agent after elapsed time (0 = off)
	BreakerWindow    int           // recent outcomes considered by the breaker
	BreakerRate      float64       // failure rate that opens the breaker
	BreakerReset     time.Duration // open-state cooldown before a probe
}

// SessionConfig controls credential persistence and the login flow.
type SessionConfig struct {
	CredentialFile string
	PollInterval   time.Duration // login confirmation poll spacing
	PollTimeout    time.Duration // overall login deadline
}

// SearchConfig controls keyword search paging.
type SearchConfig struct {
	PageSize        int
	MaxPages        int
	Order           string
	PageIntervalMin time.Duration
	PageIntervalMax time.Duration
}

// FilterConfig holds the candidate filter rules. Zero values disable the
// corresponding rule.
type FilterConfig struct {
	MinDuration   int // seconds
	MaxDuration   int // seconds; 0 = unbounded
	MinViews      int64
	TitleInclude  []string
	TitleExclude  []string
	PubdateAfter  string // RFC 3339 date or datetime
	PubdateBefore string
	ScoreWeights  ScoreWeights
	MinScore      float64 // 0 = scoring disabled
}

// ScoreWeights weighs engagement counters in the quality score.
type ScoreWeights struct {
	Like     float64
	Coin     float64
	Favorite float64
}

// DownloadConfig tunes media acquisition.
type DownloadConfig struct {
	Enabled               bool
	Quality               int // platform quality code
	Concurrency           int
	MetadataWorkers       int
	MaxDurationOnDownload int   // seconds; <= 0 disables the gate
	DiskReserveMB         int64 // free space to keep untouched
	FFmpegBin             string
	FFprobeBin            string
}

// LedgerConfig selects the persistent seen-set backend.
type LedgerConfig struct {
	Backend       string // memory | badger | sqlite | redis
	Dir           string // badger directory
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration // 0 = keep forever
}

// HistoryConfig controls the run-history store.
type HistoryConfig struct {
	Enabled bool
	Path    string
}

// StatusConfig controls the embedded status server.
type StatusConfig struct {
	Addr string // empty = disabled
}

// TelemetryConfig controls OTLP tracing.
type TelemetryConfig struct {
	Enabled      bool
	ExporterType string
	Endpoint     string
	Environment  string
	SamplingRate float64
}
