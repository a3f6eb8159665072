package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Loader handles configuration loading with precedence ENV > file > defaults.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load resolves the effective configuration: defaults, then file overrides,
// then environment overrides, then validation.
func (l *Loader) Load() (AppConfig, error) {
	cfg := defaults()

	if l.configPath != "" {
		fileCfg, err := loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := mergeFileConfig(&cfg, fileCfg); err != nil {
			return cfg, fmt.Errorf("merge file config: %w", err)
		}
	}

	mergeEnvConfig(&cfg)

	cfg.Download.FFprobeBin = ResolveFFprobeBin(cfg.Download.FFprobeBin, cfg.Download.FFmpegBin)

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	if cfg.Session.CredentialFile == "" {
		cfg.Session.CredentialFile = filepath.Join(cfg.DataDir, "credential.json")
	}
	if cfg.Ledger.Dir == "" {
		cfg.Ledger.Dir = filepath.Join(cfg.DataDir, "ledger")
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.DataDir, "history.sqlite")
	}

	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func defaults() AppConfig {
	return AppConfig{
		DataDir:  "./data",
		LogLevel: "info",
		Platform: PlatformConfig{
			APIBase:      "https://api.bilibili.com",
			PassportBase: "https://passport.bilibili.com",
		},
		Client: ClientConfig{
			RequestInterval:  1500 * time.Millisecond,
			RequestJitter:    500 * time.Millisecond,
			Retries:          3,
			BackoffBase:      2 * time.Second,
			BackoffMax:       60 * time.Second,
			RetryAfterCap:    60 * time.Second,
			UARotateEvery:    100,
			UARotateInterval: 0,
			BreakerWindow:    20,
			BreakerRate:      0.5,
			BreakerReset:     30 * time.Second,
		},
		Session: SessionConfig{
			PollInterval: 3 * time.Second,
			PollTimeout:  180 * time.Second,
		},
		Search: SearchConfig{
			PageSize:        30,
			MaxPages:        50,
			Order:           "totalrank",
			PageIntervalMin: 1 * time.Second,
			PageIntervalMax: 2500 * time.Millisecond,
		},
		Filter: FilterConfig{
			ScoreWeights: ScoreWeights{Like: 1.0, Coin: 2.0, Favorite: 1.5},
		},
		Download: DownloadConfig{
			Enabled:         true,
			Quality:         64,
			Concurrency:     3,
			MetadataWorkers: 2,
			DiskReserveMB:   500,
			FFmpegBin:       "ffmpeg",
		},
		Ledger: LedgerConfig{
			Backend: "badger",
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			ExporterType: "grpc",
			Environment:  "production",
			SamplingRate: 1.0,
		},
	}
}

func mergeFileConfig(cfg *AppConfig, f *FileConfig) error {
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.LogPretty != nil {
		cfg.LogPretty = *f.LogPretty
	}

	if f.Platform.APIBase != "" {
		cfg.Platform.APIBase = f.Platform.APIBase
	}
	if f.Platform.PassportBase != "" {
		cfg.Platform.PassportBase = f.Platform.PassportBase
	}

	if err := parseFileDuration(f.Client.RequestInterval, &cfg.Client.RequestInterval); err != nil {
		return fmt.Errorf("client.requestInterval: %w", err)
	}
	if err := parseFileDuration(f.Client.RequestJitter, &cfg.Client.RequestJitter); err != nil {
		return fmt.Errorf("client.requestJitter: %w", err)
	}
	if f.Client.Retries != nil {
		cfg.Client.Retries = *f.Client.Retries
	}
	if err := parseFileDuration(f.Client.BackoffBase, &cfg.Client.BackoffBase); err != nil {
		return fmt.Errorf("client.backoffBase: %w", err)
	}
	if err := parseFileDuration(f.Client.BackoffMax, &cfg.Client.BackoffMax); err != nil {
		return fmt.Errorf("client.backoffMax: %w", err)
	}
	if f.Client.UARotateEvery != nil {
		cfg.Client.UARotateEvery = *f.Client.UARotateEvery
	}
	if err := parseFileDuration(f.Client.UARotateInterval, &cfg.Client.UARotateInterval); err != nil {
		return fmt.Errorf("client.uaRotateInterval: %w", err)
	}
	if f.Client.BreakerWindow != nil {
		cfg.Client.BreakerWindow = *f.Client.BreakerWindow
	}
	if f.Client.BreakerRate != nil {
		cfg.Client.BreakerRate = *f.Client.BreakerRate
	}
	if err := parseFileDuration(f.Client.BreakerReset, &cfg.Client.BreakerReset); err != nil {
		return fmt.Errorf("client.breakerReset: %w", err)
	}

	if f.Session.CredentialFile != "" {
		cfg.Session.CredentialFile = f.Session.CredentialFile
	}
	if err := parseFileDuration(f.Session.PollInterval, &cfg.Session.PollInterval); err != nil {
		return fmt.Errorf("session.pollInterval: %w", err)
	}
	if err := parseFileDuration(f.Session.PollTimeout, &cfg.Session.PollTimeout); err != nil {
		return fmt.Errorf("session.pollTimeout: %w", err)
	}

	if f.Search.PageSize != nil {
		cfg.Search.PageSize = *f.Search.PageSize
	}
	if f.Search.MaxPages != nil {
		cfg.Search.MaxPages = *f.Search.MaxPages
	}
	if f.Search.Order != "" {
		cfg.Search.Order = f.Search.Order
	}
	if err := parseFileDuration(f.Search.PageIntervalMin, &cfg.Search.PageIntervalMin); err != nil {
		return fmt.Errorf("search.pageIntervalMin: %w", err)
	}
	if err := parseFileDuration(f.Search.PageIntervalMax, &cfg.Search.PageIntervalMax); err != nil {
		return fmt.Errorf("search.pageIntervalMax: %w", err)
	}

	if f.Filter.MinDuration != nil {
		cfg.Filter.MinDuration = *f.Filter.MinDuration
	}
	if f.Filter.MaxDuration != nil {
		cfg.Filter.MaxDuration = *f.Filter.MaxDuration
	}
	if f.Filter.MinViews != nil {
		cfg.Filter.MinViews = *f.Filter.MinViews
	}
	if len(f.Filter.TitleInclude) > 0 {
		cfg.Filter.TitleInclude = f.Filter.TitleInclude
	}
	if len(f.Filter.TitleExclude) > 0 {
		cfg.Filter.TitleExclude = f.Filter.TitleExclude
	}
	if f.Filter.PubdateAfter != "" {
		cfg.Filter.PubdateAfter = f.Filter.PubdateAfter
	}
	if f.Filter.PubdateBefore != "" {
		cfg.Filter.PubdateBefore = f.Filter.PubdateBefore
	}
	if f.Filter.ScoreLike != nil {
		cfg.Filter.ScoreWeights.Like = *f.Filter.ScoreLike
	}
	if f.Filter.ScoreCoin != nil {
		cfg.Filter.ScoreWeights.Coin = *f.Filter.ScoreCoin
	}
	if f.Filter.ScoreFavorite != nil {
		cfg.Filter.ScoreWeights.Favorite = *f.Filter.ScoreFavorite
	}
	if f.Filter.MinScore != nil {
		cfg.Filter.MinScore = *f.Filter.MinScore
	}

	if f.Download.Enabled != nil {
		cfg.Download.Enabled = *f.Download.Enabled
	}
	if f.Download.Quality != nil {
		cfg.Download.Quality = *f.Download.Quality
	}
	if f.Download.Concurrency != nil {
		cfg.Download.Concurrency = *f.Download.Concurrency
	}
	if f.Download.MetadataWorkers != nil {
		cfg.Download.MetadataWorkers = *f.Download.MetadataWorkers
	}
	if f.Download.MaxDurationOnDownload != nil {
		cfg.Download.MaxDurationOnDownload = *f.Download.MaxDurationOnDownload
	}
	if f.Download.DiskReserveMB != nil {
		cfg.Download.DiskReserveMB = *f.Download.DiskReserveMB
	}
	if f.Download.FFmpegBin != "" {
		cfg.Download.FFmpegBin = f.Download.FFmpegBin
	}
	if f.Download.FFprobeBin != "" {
		cfg.Download.FFprobeBin = f.Download.FFprobeBin
	}

	if f.Ledger.Backend != "" {
		cfg.Ledger.Backend = f.Ledger.Backend
	}
	if f.Ledger.Dir != "" {
		cfg.Ledger.Dir = f.Ledger.Dir
	}
	if f.Ledger.RedisAddr != "" {
		cfg.Ledger.RedisAddr = f.Ledger.RedisAddr
	}
	if f.Ledger.RedisPassword != "" {
		cfg.Ledger.RedisPassword = f.Ledger.RedisPassword
	}
	if f.Ledger.RedisDB != nil {
		cfg.Ledger.RedisDB = *f.Ledger.RedisDB
	}
	if err := parseFileDuration(f.Ledger.TTL, &cfg.Ledger.TTL); err != nil {
		return fmt.Errorf("ledger.ttl: %w", err)
	}

	if f.History.Enabled != nil {
		cfg.History.Enabled = *f.History.Enabled
	}
	if f.History.Path != "" {
		cfg.History.Path = f.History.Path
	}

	if f.Status.Addr != "" {
		cfg.Status.Addr = f.Status.Addr
	}

	if f.Telemetry.Enabled != nil {
		cfg.Telemetry.Enabled = *f.Telemetry.Enabled
	}
	if f.Telemetry.ExporterType != "" {
		cfg.Telemetry.ExporterType = f.Telemetry.ExporterType
	}
	if f.Telemetry.Endpoint != "" {
		cfg.Telemetry.Endpoint = f.Telemetry.Endpoint
	}
	if f.Telemetry.Environment != "" {
		cfg.Telemetry.Environment = f.Telemetry.Environment
	}
	if f.Telemetry.SamplingRate != nil {
		cfg.Telemetry.SamplingRate = *f.Telemetry.SamplingRate
	}

	return nil
}

func mergeEnvConfig(cfg *AppConfig) {
	cfg.DataDir = ParseString("VH_DATA", cfg.DataDir)
	cfg.LogLevel = ParseString("VH_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = ParseBool("VH_LOG_PRETTY", cfg.LogPretty)

	cfg.Platform.APIBase = ParseString("VH_API_BASE", cfg.Platform.APIBase)
	cfg.Platform.PassportBase = ParseString("VH_PASSPORT_BASE", cfg.Platform.PassportBase)

	cfg.Client.RequestInterval = ParseDuration("VH_REQUEST_INTERVAL", cfg.Client.RequestInterval)
	cfg.Client.RequestJitter = ParseDuration("VH_REQUEST_JITTER", cfg.Client.RequestJitter)
	cfg.Client.Retries = ParseInt("VH_RETRIES", cfg.Client.Retries)
	cfg.Client.BackoffBase = ParseDuration("VH_BACKOFF_BASE", cfg.Client.BackoffBase)
	cfg.Client.BackoffMax = ParseDuration("VH_BACKOFF_MAX", cfg.Client.BackoffMax)
	cfg.Client.UARotateEvery = ParseInt("VH_UA_ROTATE_EVERY", cfg.Client.UARotateEvery)
	cfg.Client.UARotateInterval = ParseDuration("VH_UA_ROTATE_INTERVAL", cfg.Client.UARotateInterval)
	cfg.Client.BreakerWindow = ParseInt("VH_BREAKER_WINDOW", cfg.Client.BreakerWindow)
	cfg.Client.BreakerRate = ParseFloat("VH_BREAKER_RATE", cfg.Client.BreakerRate)
	cfg.Client.BreakerReset = ParseDuration("VH_BREAKER_RESET", cfg.Client.BreakerReset)

	cfg.Session.CredentialFile = ParseString("VH_CREDENTIAL_FILE", cfg.Session.CredentialFile)
	cfg.Session.PollInterval = ParseDuration("VH_LOGIN_POLL_INTERVAL", cfg.Session.PollInterval)
	cfg.Session.PollTimeout = ParseDuration("VH_LOGIN_POLL_TIMEOUT", cfg.Session.PollTimeout)

	cfg.Search.PageSize = ParseInt("VH_PAGE_SIZE", cfg.Search.PageSize)
	cfg.Search.MaxPages = ParseInt("VH_MAX_PAGES", cfg.Search.MaxPages)
	cfg.Search.Order = ParseString("VH_SEARCH_ORDER", cfg.Search.Order)
	cfg.Search.PageIntervalMin = ParseDuration("VH_PAGE_INTERVAL_MIN", cfg.Search.PageIntervalMin)
	cfg.Search.PageIntervalMax = ParseDuration("VH_PAGE_INTERVAL_MAX", cfg.Search.PageIntervalMax)

	cfg.Filter.MinDuration = ParseInt("VH_MIN_DURATION", cfg.Filter.MinDuration)
	cfg.Filter.MaxDuration = ParseInt("VH_MAX_DURATION", cfg.Filter.MaxDuration)
	cfg.Filter.MinViews = ParseInt64("VH_MIN_VIEWS", cfg.Filter.MinViews)
	cfg.Filter.TitleInclude = ParseStringSlice("VH_TITLE_INCLUDE", cfg.Filter.TitleInclude)
	cfg.Filter.TitleExclude = ParseStringSlice("VH_TITLE_EXCLUDE", cfg.Filter.TitleExclude)
	cfg.Filter.PubdateAfter = ParseString("VH_PUBDATE_AFTER", cfg.Filter.PubdateAfter)
	cfg.Filter.PubdateBefore = ParseString("VH_PUBDATE_BEFORE", cfg.Filter.PubdateBefore)
	cfg.Filter.ScoreWeights.Like = ParseFloat("VH_SCORE_LIKE", cfg.Filter.ScoreWeights.Like)
	cfg.Filter.ScoreWeights.Coin = ParseFloat("VH_SCORE_COIN", cfg.Filter.ScoreWeights.Coin)
	cfg.Filter.ScoreWeights.Favorite = ParseFloat("VH_SCORE_FAVORITE", cfg.Filter.ScoreWeights.Favorite)
	cfg.Filter.MinScore = ParseFloat("VH_MIN_SCORE", cfg.Filter.MinScore)

	cfg.Download.Enabled = ParseBool("VH_DOWNLOAD_ENABLED", cfg.Download.Enabled)
	cfg.Download.Quality = ParseInt("VH_QUALITY", cfg.Download.Quality)
	cfg.Download.Concurrency = ParseInt("VH_DOWNLOAD_CONCURRENCY", cfg.Download.Concurrency)
	cfg.Download.MetadataWorkers = ParseInt("VH_METADATA_WORKERS", cfg.Download.MetadataWorkers)
	cfg.Download.MaxDurationOnDownload = ParseInt("VH_MAX_DURATION_ON_DOWNLOAD", cfg.Download.MaxDurationOnDownload)
	cfg.Download.DiskReserveMB = ParseInt64("VH_DISK_RESERVE_MB", cfg.Download.DiskReserveMB)
	cfg.Download.FFmpegBin = ParseString("VH_FFMPEG_BIN", cfg.Download.FFmpegBin)
	cfg.Download.FFprobeBin = ParseString("VH_FFPROBE_BIN", cfg.Download.FFprobeBin)

	cfg.Ledger.Backend = ParseString("VH_LEDGER_BACKEND", cfg.Ledger.Backend)
	cfg.Ledger.Dir = ParseString("VH_LEDGER_DIR", cfg.Ledger.Dir)
	cfg.Ledger.RedisAddr = ParseString("VH_LEDGER_REDIS_ADDR", cfg.Ledger.RedisAddr)
	cfg.Ledger.RedisPassword = ParseString("VH_LEDGER_REDIS_PASSWORD", cfg.Ledger.RedisPassword)
	cfg.Ledger.RedisDB = ParseInt("VH_LEDGER_REDIS_DB", cfg.Ledger.RedisDB)
	cfg.Ledger.TTL = ParseDuration("VH_LEDGER_TTL", cfg.Ledger.TTL)

	cfg.History.Enabled = ParseBool("VH_HISTORY_ENABLED", cfg.History.Enabled)
	cfg.History.Path = ParseString("VH_HISTORY_PATH", cfg.History.Path)

	cfg.Status.Addr = ParseString("VH_STATUS_ADDR", cfg.Status.Addr)

	cfg.Telemetry.Enabled = ParseBool("VH_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = ParseString("VH_OTEL_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = ParseString("VH_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Environment = ParseString("VH_OTEL_ENVIRONMENT", cfg.Telemetry.Environment)
	cfg.Telemetry.SamplingRate = ParseFloat("VH_OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}
