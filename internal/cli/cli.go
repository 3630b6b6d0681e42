package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/tdh8316/rhino/internal/config"
	"github.com/tdh8316/rhino/internal/httpx"
)

var ErrHelp = errors.New("help requested")

type Options struct {
	NoColor         bool
	NoOutput        bool
	Verbose         bool
	Debug           bool
	UpdateBeforeRun bool
	Test            bool
	WithTor         bool

	ConfigPath  string
	DataFile    string
	Sites       []string
	Timeout     time.Duration
	Concurrency int
	PerHost     int
	Interval    time.Duration
	RPS         float64
	Proxy       string
	ResultsDir  string
	Formats     string
	MetricsAddr string
	LogFormat   string

	set map[string]bool
}

const usageText = `
usage:
  rhino [flags] USERNAME [USERNAMES...]
  rhino --test

positional arguments:
  USERNAMES             one or more usernames to look up

flags:
  -h, --help            show this help message and exit
  --no-color            disable colored stdout output
  --no-output           disable file output
  --update              refresh the site dataset before the run
  -t, --tor             route requests through the local Tor SOCKS proxy
  -v, --verbose         verbose output (misses, errors, enrichment)
  --debug               debug logging
  --test                validate sites using their known usernames

options:
  --config PATH         YAML configuration file (default: $RHINO_CONFIG)
  --database PATH       site dataset cache (default: wmn-data.json)
  --sites S1,S2,...     specific sites to check separated by comma (default: all sites)
  --timeout SECONDS     HTTP request timeout (default: 10)
  --concurrency N       max concurrent probes (default: 32)
  --per-host N          max in-flight requests per host (default: 2)
  --interval DURATION   minimum spacing between requests to one host (default: 0s)
  --rps N               global probe launch rate, 0 for unlimited (default: 0)
  --proxy URL           http, https, socks5 or socks5h proxy (default: $PROXY_URL)
  --results DIR         output directory (default: results)
  --formats LIST        report formats: html,csv,json,xlsx, all or none (default: html,csv)
  --metrics ADDR        serve Prometheus metrics on ADDR, e.g. :9090
  --log-format FORMAT   text or json (default: text)
`

func Parse(args []string, stdout, stderr io.Writer) (Options, []string, error) {
	var opts Options
	var (
		help     bool
		sitesCSV string
		timeoutS int
	)

	fs := flag.NewFlagSet("rhino", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.Usage = func() {
		_, _ = fmt.Fprint(stdout, usageText)
	}

	// Help
	fs.BoolVar(&help, "h", false, "show help")
	fs.BoolVar(&help, "help", false, "show help")

	// Behavior flags
	fs.BoolVar(&opts.NoColor, "no-color", false, "disable colored output")
	fs.BoolVar(&opts.NoOutput, "no-output", false, "disable file output")
	fs.BoolVar(&opts.UpdateBeforeRun, "update", false, "update dataset before run")
	fs.BoolVar(&opts.Test, "test", false, "validate site dataset")
	fs.BoolVar(&opts.Verbose, "v", false, "verbose output")
	fs.BoolVar(&opts.Verbose, "verbose", false, "verbose output")
	fs.BoolVar(&opts.Debug, "debug", false, "debug logging")
	fs.BoolVar(&opts.WithTor, "t", false, "use tor proxy")
	fs.BoolVar(&opts.WithTor, "tor", false, "use tor proxy")

	// Options
	fs.StringVar(&opts.ConfigPath, "config", "", "configuration file")
	fs.StringVar(&opts.DataFile, "database", "", "dataset cache path")
	fs.StringVar(&sitesCSV, "sites", "", "comma-separated site list")
	fs.StringVar(&sitesCSV, "site", "", "comma-separated site list (compat)") // compat with old flag
	fs.IntVar(&timeoutS, "timeout", 10, "request timeout in seconds")
	fs.IntVar(&opts.Concurrency, "concurrency", 32, "max concurrent probes")
	fs.IntVar(&opts.PerHost, "per-host", 2, "max in-flight requests per host")
	fs.DurationVar(&opts.Interval, "interval", 0, "minimum per-host request spacing")
	fs.Float64Var(&opts.RPS, "rps", 0, "global probe launch rate")
	fs.StringVar(&opts.Proxy, "proxy", "", "proxy URL")
	fs.StringVar(&opts.ResultsDir, "results", "results", "results output directory")
	fs.StringVar(&opts.Formats, "formats", "html,csv", "report formats")
	fs.StringVar(&opts.MetricsAddr, "metrics", "", "metrics listen address")
	fs.StringVar(&opts.LogFormat, "log-format", "text", "log format")

	if err := fs.Parse(args); err != nil {
		return Options{}, nil, err
	}
	if help {
		fs.Usage()
		return Options{}, nil, ErrHelp
	}

	opts.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})

	if timeoutS <= 0 {
		// Don't allow zero or negative timeouts; reset to default.
		timeoutS = 10
		delete(opts.set, "timeout")
		if opts.NoColor {
			fmt.Fprintf(stdout, "[!] Invalid timeout value; using default of 10 seconds.\n")
		} else {
			fmt.Fprintf(color.Output, "[%s] Invalid timeout value; using default of %s.\n",
				color.HiRedString("!"),
				color.HiYellowString("10 seconds"),
			)
		}
	}
	opts.Timeout = time.Duration(timeoutS) * time.Second

	if opts.Concurrency <= 0 {
		opts.Concurrency = 32
		delete(opts.set, "concurrency")
	}
	if opts.PerHost <= 0 {
		opts.PerHost = 2
		delete(opts.set, "per-host")
	}

	if sitesCSV != "" {
		raw := strings.Split(sitesCSV, ",")
		opts.Sites = make([]string, 0, len(raw))
		for _, s := range raw {
			s = strings.TrimSpace(s)
			if s != "" {
				opts.Sites = append(opts.Sites, s)
			}
		}
		// Old behavior: when specifying sites, force verbose so you see misses/errors.
		opts.Verbose = true
	}

	usernames := fs.Args()
	return opts, usernames, nil
}

// Apply overrides cfg with the flags given on the command line. Flags left
// at their defaults do not touch cfg.
func (o Options) Apply(cfg *config.Config) {
	if o.set["database"] {
		cfg.Dataset.Path = o.DataFile
	}
	if o.set["timeout"] {
		cfg.Scan.Timeout = o.Timeout
	}
	if o.set["concurrency"] {
		cfg.Scan.Concurrency = o.Concurrency
	}
	if o.set["per-host"] {
		cfg.Pacing.PerHost = o.PerHost
	}
	if o.set["interval"] {
		cfg.Pacing.BaseInterval = o.Interval
	}
	if o.set["rps"] {
		cfg.Scan.RequestsPerSecond = o.RPS
	}
	if o.set["results"] {
		cfg.Output.ResultsDir = o.ResultsDir
	}
	if o.set["formats"] {
		cfg.Output.Formats = o.Formats
	}
	if o.set["metrics"] {
		cfg.Telemetry.MetricsAddr = o.MetricsAddr
	}
	if o.set["log-format"] {
		cfg.Log.Format = o.LogFormat
	}
	if o.set["proxy"] {
		cfg.ProxyURL = o.Proxy
	} else if o.WithTor {
		cfg.ProxyURL = httpx.DefaultTorProxyURL
	}

	switch {
	case o.Debug:
		cfg.Log.Level = "debug"
	case o.Verbose && cfg.Log.Level == config.Default().Log.Level:
		cfg.Log.Level = "info"
	}
}
