package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/tdh8316/rhino/internal/cli"
	"github.com/tdh8316/rhino/internal/config"
	"github.com/tdh8316/rhino/internal/data"
	"github.com/tdh8316/rhino/internal/enrich"
	"github.com/tdh8316/rhino/internal/httpx"
	"github.com/tdh8316/rhino/internal/logging"
	"github.com/tdh8316/rhino/internal/observability"
	"github.com/tdh8316/rhino/internal/output"
	"github.com/tdh8316/rhino/internal/report"
	"github.com/tdh8316/rhino/internal/scan"
)

func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return run(ctx, args, os.Stdin, stdout, stderr)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fmt.Fprintln(stdout, "Rhino - Look Up Usernames Across Websites.")

	opts, usernames, err := cli.Parse(args, stdout, stderr)
	if err != nil {
		if errors.Is(err, cli.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	color.NoColor = opts.NoColor

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 2
	}
	opts.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 2
	}
	formats, _ := report.ParseFormats(cfg.Output.Formats)

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 2
	}

	if cfg.Telemetry.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Telemetry.SentryDSN,
			Environment:      cfg.Telemetry.Environment,
			AttachStacktrace: true,
		}); err != nil {
			log.WithError(err).Warn("sentry init failed, error tracking disabled")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	providers, err := observability.Init(ctx, observability.Config{
		ServiceName:  "rhino",
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		log.WithError(err).Warn("tracing disabled")
	} else {
		defer func() {
			if err := providers.Shutdown(context.Background()); err != nil {
				log.WithError(err).Warn("tracing shutdown failed")
			}
		}()
	}

	if cfg.Telemetry.MetricsAddr != "" {
		stop := serveMetrics(cfg.Telemetry.MetricsAddr, log)
		defer stop()
	}

	transport, err := httpx.NewTransport(httpx.Config{
		UserAgent:    httpx.DefaultUserAgent,
		Timeout:      cfg.Scan.Timeout,
		MaxBodyBytes: cfg.Scan.MaxBodyBytes,
		ProxyURL:     cfg.ProxyURL,
		Instrument:   cfg.Telemetry.OTLPEndpoint != "",
		Limiter:      cfg.Limiter(),
		Logger:       log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialize HTTP client: %v\n", err)
		return 1
	}

	printer := output.NewPrinter(stdout, opts.NoColor, opts.Verbose, nil)

	// Load + optionally update dataset.
	sites, err := loadDataset(ctx, transport.Client(), cfg, opts.UpdateBeforeRun, printer, log)
	if err != nil {
		sentry.CaptureException(err)
		fmt.Fprintf(stderr, "dataset error: %v\n", err)
		return 1
	}

	// Optional: filter sites.
	if len(opts.Sites) > 0 {
		sites = filterSites(sites, opts.Sites, printer)
	}

	scanner := scan.NewScanner(transport, enrich.New(cfg.Scan.EnrichTimeout, log), scan.Config{
		Concurrency:       cfg.Scan.Concurrency,
		RequestsPerSecond: cfg.Scan.RequestsPerSecond,
		Logger:            log,
	})

	if opts.Test {
		return runTest(ctx, stdout, opts.NoColor, scanner, sites)
	}

	// Back-compat behavior: if no usernames provided, prompt.
	if len(usernames) == 0 {
		usernames = promptUsernames(stdout, stdin)
		if len(usernames) == 0 {
			fmt.Fprintln(stderr, "no usernames provided")
			return 2
		}
	}

	for _, username := range usernames {
		username = strings.TrimSpace(username)
		if username == "" {
			continue
		}
		if err := investigate(ctx, username, sites, scanner, cfg, formats, opts, stdout, stderr, log); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				fmt.Fprintln(stderr, "scan interrupted")
				return 130
			}
			sentry.CaptureException(err)
			fmt.Fprintf(stderr, "scan error for %q: %v\n", username, err)
			return 1
		}
	}

	return 0
}

// investigate runs one username scan end to end. Partial results of a
// cancelled scan are still summarised and written before the cancellation
// error is returned.
func investigate(
	ctx context.Context,
	username string,
	sites []data.SiteDefinition,
	scanner *scan.Scanner,
	cfg config.Config,
	formats []report.Format,
	opts cli.Options,
	stdout, stderr io.Writer,
	log logrus.FieldLogger,
) error {
	rc, err := scan.NewRunContext(username, sites)
	if err != nil {
		return err
	}

	// Header (stdout).
	if opts.NoColor {
		fmt.Fprintf(stdout, "\nInvestigating %s on %d site(s):\n", username, len(sites))
	} else {
		fmt.Fprintf(color.Output, "\nInvestigating %s on %d site(s):\n", color.HiGreenString("%s", username), len(sites))
	}

	// Buffer for out.txt, one per username.
	var buf strings.Builder
	printer := output.NewPrinter(stdout, opts.NoColor, opts.Verbose, &buf)
	agg := report.NewAggregator(rc)

	scanErr := scanner.ScanUsername(ctx, rc, func(res scan.ProbeResult) {
		agg.Add(res)
		printer.Result(res)
	})
	rep := agg.Finalize()

	log.WithFields(logrus.Fields{
		"run_id":    rep.RunID,
		"username":  username,
		"found":     rep.Summary.Found,
		"unsure":    rep.Summary.Unsure,
		"not_found": rep.Summary.NotFound,
		"errors":    rep.Summary.Error,
		"cancelled": rep.Cancelled,
	}).Info("scan summarised")

	if err := printer.Summary(rep); err != nil {
		log.WithError(err).Warn("summary table failed")
	}

	if !opts.NoOutput {
		userDir := filepath.Join(cfg.Output.ResultsDir, username)
		if err := os.MkdirAll(userDir, 0o755); err != nil {
			return fmt.Errorf("failed to create results dir %q: %w", userDir, err)
		}
		outPath := filepath.Join(userDir, "out.txt")
		if err := os.WriteFile(outPath, []byte(buf.String()), 0o600); err != nil {
			return fmt.Errorf("failed to write %q: %w", outPath, err)
		}

		paths, err := report.WriteFiles(cfg.Output.ResultsDir, rep, formats)
		printer.Written(paths)
		if err != nil {
			fmt.Fprintf(stderr, "report error: %v\n", err)
		}
	}

	return scanErr
}

func serveMetrics(addr string, log logrus.FieldLogger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("addr", addr).Error("metrics listener failed")
		}
	}()
	log.WithField("addr", addr).Info("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func loadDataset(
	ctx context.Context,
	client data.Doer,
	cfg config.Config,
	force bool,
	printer *output.Printer,
	log logrus.FieldLogger,
) ([]data.SiteDefinition, error) {
	_, statErr := os.Stat(cfg.Dataset.Path)
	if force || statErr != nil {
		printer.Infof("Update dataset: Downloading...")
	}

	ds, upd, err := data.LoadOrUpdate(ctx, client, httpx.DefaultUserAgent, cfg.Dataset.URL, cfg.Dataset.Path, force)
	if upd.UpdateErr != nil && err == nil {
		// Fall back to existing dataset.
		printer.Warnf("Failed to update dataset: %v (using existing)", upd.UpdateErr)
	}
	if err != nil {
		return nil, err
	}
	if upd.Downloaded {
		printer.Infof("Dataset saved to %s", cfg.Dataset.Path)
	}

	if ds.Outdated {
		printer.Warnf("Dataset version %s is older than %s; results may be unreliable", ds.Version, data.MinDatasetVersion)
	}
	for _, skipped := range ds.Skipped {
		log.WithError(skipped).Debug("dataset entry skipped")
	}
	log.WithFields(logrus.Fields{
		"format":  ds.Format,
		"sites":   len(ds.Sites),
		"skipped": len(ds.Skipped),
	}).Info("dataset loaded")

	return ds.Sites, nil
}

func filterSites(all []data.SiteDefinition, selected []string, printer *output.Printer) []data.SiteDefinition {
	if len(selected) == 0 {
		return all
	}

	// Build case-insensitive lookup by id and display name.
	lut := make(map[string]int, 2*len(all))
	for i, sd := range all {
		lut[strings.ToLower(sd.ID)] = i
		if sd.DisplayName != "" {
			lut[strings.ToLower(sd.DisplayName)] = i
		}
	}

	picked := make(map[int]bool, len(selected))
	var unknown []string

	for _, s := range selected {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if i, ok := lut[strings.ToLower(s)]; ok {
			picked[i] = true
		} else {
			unknown = append(unknown, s)
		}
	}

	if len(unknown) > 0 {
		printer.Warnf("Unknown sites ignored: %s", strings.Join(unknown, ", "))
	}

	if len(picked) == 0 {
		printer.Warnf("No matching sites found; using full dataset.")
		return all
	}

	out := make([]data.SiteDefinition, 0, len(picked))
	for i, sd := range all {
		if picked[i] {
			out = append(out, sd)
		}
	}
	printer.Infof("Using %d site(s)", len(out))
	return out
}

func promptUsernames(stdout io.Writer, stdin io.Reader) []string {
	fmt.Fprint(stdout, "Enter usernames to investigate separated by a space: ")
	r := bufio.NewReader(stdin)
	line, _ := r.ReadString('\n')
	line = strings.TrimSpace(line)
	return strings.Fields(line)
}

func runTest(ctx context.Context, stdout io.Writer, noColor bool, scanner *scan.Scanner, sites []data.SiteDefinition) int {
	if noColor {
		fmt.Fprintln(stdout, "[i] Checking site validity...")
	} else {
		fmt.Fprintf(color.Output, "[%s] Checking site validity...\n", color.HiBlueString("i"))
	}

	failCount, err := scanner.ValidateSites(ctx, sites, func(f scan.ValidationFailure) {
		if f.Known.Verdict == scan.VerdictError || f.Unclaimed.Verdict == scan.VerdictError {
			var msgParts []string
			if f.Known.ErrorDetail != "" {
				msgParts = append(msgParts, "["+f.Known.ErrorDetail+"]")
			}
			if f.Unclaimed.ErrorDetail != "" && f.Unclaimed.ErrorDetail != f.Known.ErrorDetail {
				msgParts = append(msgParts, "["+f.Unclaimed.ErrorDetail+"]")
			}
			errMsg := strings.Join(msgParts, "")

			if noColor {
				fmt.Fprintf(stdout, "[-] %s: Failed with error %s\n", f.Site, errMsg)
			} else {
				fmt.Fprintf(color.Output, "[-] %s: %s %s\n",
					f.Site,
					color.YellowString("Failed with error"),
					errMsg,
				)
			}
			return
		}

		if noColor {
			fmt.Fprintf(stdout,
				"[-] %s: Not working (%s: expected found, result is %s | %s: expected not_found, result is %s)\n",
				f.Site,
				f.KnownUsername, f.Known.Verdict,
				f.UnclaimedUsername, f.Unclaimed.Verdict,
			)
		} else {
			fmt.Fprintf(color.Output,
				"[-] %s: %s (%s: expected found, result is %s | %s: expected not_found, result is %s)\n",
				f.Site,
				color.RedString("Not working"),
				f.KnownUsername, f.Known.Verdict,
				f.UnclaimedUsername, f.Unclaimed.Verdict,
			)
		}
	})

	if noColor {
		fmt.Fprintln(stdout, "[Done]")
	} else {
		fmt.Fprintf(color.Output, "[%s]\n", color.GreenString("Done"))
	}

	fmt.Fprintf(stdout, "\n%d of %d sites did not behave as their dataset entry describes.\n", failCount, len(sites))
	if err != nil {
		return 130
	}
	if failCount > 0 {
		return 1
	}
	return 0
}
