package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tdh8316/rhino/internal/data"
	"github.com/tdh8316/rhino/internal/enrich"
	"github.com/tdh8316/rhino/internal/httpx"
	"github.com/tdh8316/rhino/internal/report"
)

const (
	configPathEnv = "RHINO_CONFIG"
	dotenvFile    = ".env"
)

// Config holds every tunable of a run.
type Config struct {
	Dataset   DatasetConfig   `yaml:"dataset"`
	ProxyURL  string          `yaml:"proxy"`
	Scan      ScanConfig      `yaml:"scan"`
	Pacing    PacingConfig    `yaml:"pacing"`
	Output    OutputConfig    `yaml:"output"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatasetConfig locates the site list and its local cache.
type DatasetConfig struct {
	URL  string `yaml:"url"`
	Path string `yaml:"path"`
}

type ScanConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Timeout           time.Duration `yaml:"timeout"`
	EnrichTimeout     time.Duration `yaml:"enrichTimeout"`
	MaxBodyBytes      int64         `yaml:"maxBodyBytes"`
}

// PacingConfig mirrors httpx.LimiterConfig.
type PacingConfig struct {
	PerHost       int           `yaml:"perHost"`
	BaseInterval  time.Duration `yaml:"baseInterval"`
	MaxInterval   time.Duration `yaml:"maxInterval"`
	BackoffFactor float64       `yaml:"backoffFactor"`
	BackoffFloor  time.Duration `yaml:"backoffFloor"`
	DecayAfter    int           `yaml:"decayAfter"`
	DecayFactor   float64       `yaml:"decayFactor"`
}

type OutputConfig struct {
	ResultsDir string `yaml:"resultsDir"`
	Formats    string `yaml:"formats"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	MetricsAddr  string `yaml:"metricsAddr"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	SentryDSN    string `yaml:"sentryDsn"`
	Environment  string `yaml:"environment"`
}

func Default() Config {
	lim := httpx.DefaultLimiterConfig()
	return Config{
		Dataset: DatasetConfig{URL: data.WhatsMyNameDataURL, Path: "wmn-data.json"},
		Scan: ScanConfig{
			Concurrency:   32,
			Timeout:       10 * time.Second,
			EnrichTimeout: enrich.DefaultTimeout,
			MaxBodyBytes:  2 << 20,
		},
		Pacing: PacingConfig{
			PerHost:       lim.PerHostConcurrency,
			BaseInterval:  lim.BaseInterval,
			MaxInterval:   lim.MaxInterval,
			BackoffFactor: lim.BackoffFactor,
			BackoffFloor:  lim.BackoffFloor,
			DecayAfter:    lim.DecayAfter,
			DecayFactor:   lim.DecayFactor,
		},
		Output:    OutputConfig{ResultsDir: "results", Formats: "html,csv"},
		Log:       LogConfig{Level: "warn", Format: "text"},
		Telemetry: TelemetryConfig{Environment: "development"},
	}
}

// Load applies, in order of increasing priority: defaults, the YAML file at
// path (or $RHINO_CONFIG), a .env file in the working directory and the
// process environment.
func Load(path string) (Config, error) {
	return load(path, dotenvFile, os.LookupEnv)
}

func load(path, dotenv string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path == "" {
		path, _ = lookup(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	fileEnv := map[string]string{}
	if dotenv != "" {
		if _, err := os.Stat(dotenv); err == nil {
			if fileEnv, err = godotenv.Read(dotenv); err != nil {
				return Config{}, errors.Wrapf(err, "parse %s", dotenv)
			}
		}
	}
	get := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}

	if err := cfg.applyEnv(get); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(get func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := get(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []string
	num := func(key string, dst *int) {
		if v, ok := get(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = d
		}
	}

	str("WMN_JSON_URL", &c.Dataset.URL)
	str("RHINO_DATASET", &c.Dataset.Path)
	str("PROXY_URL", &c.ProxyURL)
	num("RHINO_CONCURRENCY", &c.Scan.Concurrency)
	dur("RHINO_TIMEOUT", &c.Scan.Timeout)
	num("RHINO_PER_HOST", &c.Pacing.PerHost)
	dur("RHINO_INTERVAL", &c.Pacing.BaseInterval)
	dur("RHINO_MAX_INTERVAL", &c.Pacing.MaxInterval)
	str("RHINO_RESULTS_DIR", &c.Output.ResultsDir)
	str("RHINO_FORMATS", &c.Output.Formats)
	str("RHINO_LOG_LEVEL", &c.Log.Level)
	str("RHINO_LOG_FORMAT", &c.Log.Format)
	str("RHINO_METRICS_ADDR", &c.Telemetry.MetricsAddr)
	str("RHINO_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("SENTRY_DSN", &c.Telemetry.SentryDSN)
	str("APP_ENV", &c.Telemetry.Environment)

	if len(errs) > 0 {
		return errors.Errorf("invalid value for %s", strings.Join(errs, ", "))
	}
	return nil
}

// Validate rejects settings the scanner cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Scan.Concurrency <= 0:
		return errors.New("concurrency must be positive")
	case c.Pacing.PerHost <= 0:
		return errors.New("per-host concurrency must be positive")
	case c.Scan.Timeout <= 0:
		return errors.New("timeout must be positive")
	case c.Pacing.BaseInterval < 0:
		return errors.New("base interval cannot be negative")
	case c.Pacing.MaxInterval > 0 && c.Pacing.MaxInterval < c.Pacing.BaseInterval:
		return errors.New("max interval is below the base interval")
	case c.Pacing.BackoffFactor != 0 && c.Pacing.BackoffFactor < 1:
		return errors.New("backoff factor must be at least 1")
	case c.Pacing.DecayFactor < 0 || c.Pacing.DecayFactor > 1:
		return errors.New("decay factor must be within [0, 1]")
	case c.Scan.RequestsPerSecond < 0:
		return errors.New("requests per second cannot be negative")
	case c.Dataset.Path == "":
		return errors.New("dataset path is empty")
	}
	if _, err := report.ParseFormats(c.Output.Formats); err != nil {
		return err
	}
	return nil
}

// Limiter converts the pacing section for the transport.
func (c Config) Limiter() httpx.LimiterConfig {
	return httpx.LimiterConfig{
		BaseInterval:       c.Pacing.BaseInterval,
		MaxInterval:        c.Pacing.MaxInterval,
		BackoffFactor:      c.Pacing.BackoffFactor,
		BackoffFloor:       c.Pacing.BackoffFloor,
		DecayAfter:         c.Pacing.DecayAfter,
		DecayFactor:        c.Pacing.DecayFactor,
		PerHostConcurrency: c.Pacing.PerHost,
	}
}
