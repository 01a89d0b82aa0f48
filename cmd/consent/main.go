// Package main is the consent command-line tool: one-off analyses and
// connectivity checks without the API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/charmbracelet/log"

	"github.com/kiranshivaraju/consentlens/internal/app"
	"github.com/kiranshivaraju/consentlens/internal/cache"
	"github.com/kiranshivaraju/consentlens/internal/config"
	"github.com/kiranshivaraju/consentlens/internal/export"
	"github.com/kiranshivaraju/consentlens/internal/pipeline"
	"github.com/kiranshivaraju/consentlens/internal/store"
)

const usage = `Usage: consent [--verbose] [--config FILE] <command> [flags]

Commands:
  analyze       Run consent analysis on a source
  health-check  Check database and Redis connectivity
  version       Print the version

Examples:
  consent analyze --url https://example.com/privacy
  consent analyze --file privacy.html --format csv --output results.csv
  consent health-check
`

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("consent", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	verbose := global.Bool("verbose", false, "enable debug logging")
	configFile := global.String("config", "", "path to a YAML configuration file")
	showVersion := global.Bool("version", false, "print the version and exit")
	if err := global.Parse(args); err != nil {
		return exitUsage
	}

	logger := newLogger(stderr, *verbose)
	slog.SetDefault(logger)

	if *showVersion {
		fmt.Fprintf(stdout, "consent %s\n", app.Version)
		return exitOK
	}
	if *configFile != "" {
		os.Setenv(config.ConfigFileEnv, *configFile)
	}

	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	switch rest[0] {
	case "analyze":
		return runAnalyze(ctx, rest[1:], stdout, stderr, logger)
	case "health-check":
		return runHealthCheck(ctx, stdout, logger)
	case "version":
		fmt.Fprintf(stdout, "consent %s\n", app.Version)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n%s", rest[0], usage)
		return exitUsage
	}
}

// newLogger routes slog through charmbracelet/log on w.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	handler := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           log.InfoLevel,
	})
	if verbose {
		handler.SetLevel(log.DebugLevel)
	}
	return slog.New(handler)
}

type analyzeFlags struct {
	url, file, text string
	format, output  string
	js              bool
}

func runAnalyze(ctx context.Context, args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	var f analyzeFlags
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.url, "url", "", "URL to analyze")
	fs.StringVar(&f.file, "file", "", "local file to analyze")
	fs.StringVar(&f.text, "text", "", "literal HTML or JSON to analyze")
	fs.StringVar(&f.format, "format", export.FormatJSON, "output format: "+strings.Join(export.Formats(), ", "))
	fs.StringVar(&f.output, "output", "", "output file path (default: stdout for json)")
	fs.BoolVar(&f.js, "js", false, "render URLs in headless Chrome")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	src, kind, err := f.source()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if !export.Supported(f.format) {
		fmt.Fprintf(stderr, "Error: unsupported format %q\n", f.format)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if f.js {
		cfg.Pipeline.EnableJSRender = true
	}

	opts := pipeline.Options{}
	switch {
	case f.output != "":
		opts.OutputFormat, opts.OutputPath = f.format, f.output
	case f.format != export.FormatJSON:
		opts.OutputFormat = f.format
		opts.OutputPath = export.Path(cfg.Pipeline.OutputDir, f.format)
	}

	logger.Info("starting analysis", "source_type", kind, "format", f.format, "version", app.Version)

	s := spinner.New(spinner.CharSets[9], 100*time.Millisecond, spinner.WithWriter(stderr))
	s.Suffix = " analyzing " + kind
	s.Start()
	result, err := app.NewRunner(cfg, nil, logger).Run(ctx, src, opts)
	s.Stop()
	if err != nil {
		logger.Error("analysis failed", "error", err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	if opts.OutputPath != "" {
		fmt.Fprintf(stdout, "Results written to %s\n", opts.OutputPath)
		return exitOK
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}

// source returns the pipeline input and a label for logging. Exactly one of
// --url, --file and --text must be set.
func (f analyzeFlags) source() (src, kind string, err error) {
	set := 0
	for _, v := range []string{f.url, f.file, f.text} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return "", "", errors.New("exactly one of --url, --file or --text is required")
	}

	switch {
	case f.url != "":
		return f.url, "url", nil
	case f.file != "":
		data, err := os.ReadFile(f.file)
		if err != nil {
			return "", "", fmt.Errorf("read %s: %w", f.file, err)
		}
		return string(data), "file", nil
	default:
		return f.text, "text", nil
	}
}

func runHealthCheck(ctx context.Context, stdout io.Writer, logger *slog.Logger) int {
	fmt.Fprintf(stdout, "ConsentLens v%s\n", app.Version)
	fmt.Fprintln(stdout, strings.Repeat("=", 40))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stdout, "config:   FAILED (%v)\n", err)
		return exitError
	}
	fmt.Fprintln(stdout, "config:   ok")

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	healthy := true
	check := func(name string, fn func() error) {
		if err := fn(); err != nil {
			logger.Debug("health check failed", "service", name, "error", err)
			fmt.Fprintf(stdout, "%-9s FAILED (%v)\n", name+":", err)
			healthy = false
			return
		}
		fmt.Fprintf(stdout, "%-9s ok\n", name+":")
	}

	check("database", func() error {
		st, err := store.Open(ctx, cfg.Database, "migrations")
		if err != nil {
			return err
		}
		defer st.Close()
		return st.Ping(ctx)
	})
	check("redis", func() error {
		c, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Ping(ctx)
	})

	if !healthy {
		return exitError
	}
	return exitOK
}
