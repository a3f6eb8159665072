package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the YAML config file. Durations are strings in Go
// duration syntax so operators write "1.5s" rather than nanosecond counts.
// Pointer fields distinguish "absent" from zero.
type FileConfig struct {
	DataDir   string `yaml:"dataDir,omitempty"`
	LogLevel  string `yaml:"logLevel,omitempty"`
	LogPretty *bool  `yaml:"logPretty,omitempty"`

	Platform struct {
		APIBase      string `yaml:"apiBase,omitempty"`
		PassportBase string `yaml:"passportBase,omitempty"`
	} `yaml:"platform,omitempty"`

	Client struct {
		RequestInterval  string   `yaml:"requestInterval,omitempty"`
		RequestJitter    string   `yaml:"requestJitter,omitempty"`
		Retries          *int     `yaml:"retries,omitempty"`
		BackoffBase      string   `yaml:"backoffBase,omitempty"`
		BackoffMax       string   `yaml:"backoffMax,omitempty"`
		UARotateEvery    *int     `yaml:"uaRotateEvery,omitempty"`
		UARotateInterval string   `yaml:"uaRotateInterval,omitempty"`
		BreakerWindow    *int     `yaml:"breakerWindow,omitempty"`
		BreakerRate      *float64 `yaml:"breakerRate,omitempty"`
		BreakerReset     string   `yaml:"breakerReset,omitempty"`
	} `yaml:"client,omitempty"`

	Session struct {
		CredentialFile string `yaml:"credentialFile,omitempty"`
		PollInterval   string `yaml:"pollInterval,omitempty"`
		PollTimeout    string `yaml:"pollTimeout,omitempty"`
	} `yaml:"session,omitempty"`

	Search struct {
		PageSize        *int   `yaml:"pageSize,omitempty"`
		MaxPages        *int   `yaml:"maxPages,omitempty"`
		Order           string `yaml:"order,omitempty"`
		PageIntervalMin string `yaml:"pageIntervalMin,omitempty"`
		PageIntervalMax string `yaml:"pageIntervalMax,omitempty"`
	} `yaml:"search,omitempty"`

	Filter struct {
		MinDuration   *int     `yaml:"minDuration,omitempty"`
		MaxDuration   *int     `yaml:"maxDuration,omitempty"`
		MinViews      *int64   `yaml:"minViews,omitempty"`
		TitleInclude  []string `yaml:"titleInclude,omitempty"`
		TitleExclude  []string `yaml:"titleExclude,omitempty"`
		PubdateAfter  string   `yaml:"pubdateAfter,omitempty"`
		PubdateBefore string   `yaml:"pubdateBefore,omitempty"`
		ScoreLike     *float64 `yaml:"scoreLike,omitempty"`
		ScoreCoin     *float64 `yaml:"scoreCoin,omitempty"`
		ScoreFavorite *float64 `yaml:"scoreFavorite,omitempty"`
		MinScore      *float64 `yaml:"minScore,omitempty"`
	} `yaml:"filter,omitempty"`

	Download struct {
		Enabled               *bool  `yaml:"enabled,omitempty"`
		Quality               *int   `yaml:"quality,omitempty"`
		Concurrency           *int   `yaml:"concurrency,omitempty"`
		MetadataWorkers       *int   `yaml:"metadataWorkers,omitempty"`
		MaxDurationOnDownload *int   `yaml:"maxDurationOnDownload,omitempty"`
		DiskReserveMB         *int64 `yaml:"diskReserveMB,omitempty"`
		FFmpegBin             string `yaml:"ffmpegBin,omitempty"`
		FFprobeBin            string `yaml:"ffprobeBin,omitempty"`
	} `yaml:"download,omitempty"`

	Ledger struct {
		Backend       string `yaml:"backend,omitempty"`
		Dir           string `yaml:"dir,omitempty"`
		RedisAddr     string `yaml:"redisAddr,omitempty"`
		RedisPassword string `yaml:"redisPassword,omitempty"`
		RedisDB       *int   `yaml:"redisDB,omitempty"`
		TTL           string `yaml:"ttl,omitempty"`
	} `yaml:"ledger,omitempty"`

	History struct {
		Enabled *bool  `yaml:"enabled,omitempty"`
		Path    string `yaml:"path,omitempty"`
	} `yaml:"history,omitempty"`

	Status struct {
		Addr string `yaml:"addr,omitempty"`
	} `yaml:"status,omitempty"`

	Telemetry struct {
		Enabled      *bool    `yaml:"enabled,omitempty"`
		ExporterType string   `yaml:"exporterType,omitempty"`
		Endpoint     string   `yaml:"endpoint,omitempty"`
		Environment  string   `yaml:"environment,omitempty"`
		SamplingRate *float64 `yaml:"samplingRate,omitempty"`
	} `yaml:"telemetry,omitempty"`
}

// loadFile parses a YAML config file strictly: unknown fields, multiple
// documents, or trailing content are fatal.
func loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return &fileCfg, nil
}

func parseFileDuration(raw string, into *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*into = d
	return nil
}
