// Command keyharvest runs one harvest in the foreground and writes the keys
// it finds to text files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keyharvest/domain"
	"keyharvest/export"
	"keyharvest/funpay"
	"keyharvest/harvest"
	"keyharvest/obs"
	"keyharvest/run"
	"keyharvest/settings"
)

const usage = `usage: keyharvest <command> [flags]

commands:
  run              harvest closed orders and extract keys
  test-connection  check the golden key
  doctor           check the settings file
  init-settings    write a settings file with defaults
`

const (
	exitOK      = 0
	exitFailed  = 1
	exitInvalid = 2
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitInvalid)
	}
	shutdownObs, logger := obs.Init("keyharvest-cli")

	var code int
	switch os.Args[1] {
	case "run":
		code = cmdRun(os.Args[2:], logger)
	case "test-connection":
		code = cmdTestConnection(os.Args[2:])
	case "doctor":
		code = cmdDoctor(os.Args[2:])
	case "init-settings":
		code = cmdInitSettings(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		code = exitInvalid
	}
	_ = shutdownObs(context.Background())
	os.Exit(code)
}

func settingsFlag(fs *flag.FlagSet) *string {
	return fs.String("settings", readEnvDefault("SETTINGS_FILE", settings.DefaultFile), "settings file")
}

func cmdRun(args []string, logger *slog.Logger) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	settingsPath := settingsFlag(fs)
	category := fs.Int("category", readEnvIntDefault("KH_CATEGORY", 0), "category (game) id")
	listing := fs.String("listing", os.Getenv("KH_LISTING"), "listing name substring")
	outDir := fs.String("out", readEnvDefault("KH_OUT_DIR", "."), "output directory")
	withXLSX := fs.Bool("xlsx", false, "also write keys.xlsx")
	metricsAddr := fs.String("metrics", os.Getenv("METRICS_ADDR"), "serve /metrics on this address while running")
	baseURL := fs.String("base-url", os.Getenv("FUNPAY_BASE_URL"), "marketplace base url")
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}

	cfg, err := settings.Load(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read settings: %v\n", err)
		return exitFailed
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		return exitInvalid
	}
	if err := cfg.RequireCredentials(); err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		return exitInvalid
	}
	params := run.Params{
		CategoryID:     *category,
		ListingName:    strings.TrimSpace(*listing),
		OrderLimit:     cfg.OrderLimit,
		PageLimit:      cfg.PageLimit,
		MinDelay:       cfg.MinDelay(),
		MaxDelay:       cfg.MaxDelay(),
		MaxPageRetries: cfg.MaxPageRetries,
	}
	if err := params.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalid
	}

	client, err := funpay.New(funpay.Config{BaseURL: *baseURL, GoldenKey: cfg.GoldenKey, UserAgent: cfg.SanitizedUserAgent()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalid
	}
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	ctl := harvest.NewControl()
	ctx, cancel := signalContext(ctl)
	defer cancel()

	rec := &consoleRecorder{out: os.Stdout, now: time.Now}
	acc, err := client.Connect(ctx)
	if err != nil {
		if funpay.IsUnauthorized(err) {
			fmt.Fprintln(os.Stderr, "authorization failed: check the golden key")
		} else {
			fmt.Fprintf(os.Stderr, "connection failed: %v\n", err)
		}
		return exitFailed
	}
	rec.Logf("Connected as %s (id %d)", acc.Username, acc.ID)

	sum := run.NewOrchestrator(client, nil, logger).Execute(ctx, ctl, params, rec)
	if err := writeExports(*outDir, sum.Keys, *withXLSX, rec); err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		return exitFailed
	}
	if sum.Status == domain.RunStatusFailed {
		if sum.Err != nil {
			fmt.Fprintf(os.Stderr, "run failed: %v\n", sum.Err)
		}
		if domain.IsValidation(sum.Err) {
			return exitInvalid
		}
		return exitFailed
	}
	return exitOK
}

// writeExports writes every text export that has content. Missing keys or
// duplicates are reported, not treated as failures.
func writeExports(dir string, keys []domain.ExtractedKey, withXLSX bool, rec *consoleRecorder) error {
	for _, kind := range []export.Kind{export.KindAll, export.KindUnique, export.KindDuplicates} {
		path := filepath.Join(dir, kind.FileName())
		n, err := export.WriteText(path, kind, keys)
		switch {
		case errors.Is(err, export.ErrNoKeys):
			rec.Logf("Nothing to export: no keys found")
			return nil
		case errors.Is(err, export.ErrNoDuplicates):
			rec.Logf("No duplicate keys found")
			continue
		case err != nil:
			return err
		}
		rec.Logf("Saved %d keys to %s", n, path)
	}
	if withXLSX {
		path := filepath.Join(dir, "keys.xlsx")
		if err := export.WriteXLSX(path, keys); err != nil {
			return err
		}
		rec.Logf("Saved results table to %s", path)
	}
	return nil
}

func cmdTestConnection(args []string) int {
	fs := flag.NewFlagSet("test-connection", flag.ContinueOnError)
	settingsPath := settingsFlag(fs)
	baseURL := fs.String("base-url", os.Getenv("FUNPAY_BASE_URL"), "marketplace base url")
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}
	cfg, err := settings.Load(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read settings: %v\n", err)
		return exitFailed
	}
	if err := cfg.RequireCredentials(); err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		return exitInvalid
	}
	client, err := funpay.New(funpay.Config{BaseURL: *baseURL, GoldenKey: cfg.GoldenKey, UserAgent: cfg.SanitizedUserAgent()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalid
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	acc, err := client.Connect(ctx)
	if err != nil {
		if funpay.IsUnauthorized(err) {
			fmt.Fprintln(os.Stderr, "authorization failed: check the golden key")
		} else {
			fmt.Fprintf(os.Stderr, "connection failed: %v\n", err)
		}
		return exitFailed
	}
	fmt.Printf("Connected as %s (id %d)\n", acc.Username, acc.ID)
	return exitOK
}

func cmdDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	settingsPath := settingsFlag(fs)
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}
	findings := settings.Diagnose(*settingsPath)
	for _, f := range findings {
		fmt.Printf("[%s] %s\n", strings.ToUpper(string(f.Level)), f.Message)
	}
	if !settings.Healthy(findings) {
		return exitFailed
	}
	return exitOK
}

func cmdInitSettings(args []string) int {
	fs := flag.NewFlagSet("init-settings", flag.ContinueOnError)
	settingsPath := settingsFlag(fs)
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}
	if _, err := os.Stat(*settingsPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "%s already exists (use -force to overwrite)\n", *settingsPath)
		return exitFailed
	}
	if err := settings.Save(*settingsPath, settings.Default()); err != nil {
		fmt.Fprintf(os.Stderr, "write settings: %v\n", err)
		return exitFailed
	}
	fmt.Printf("Wrote %s; set golden_key before running\n", *settingsPath)
	return exitOK
}

// consoleRecorder prints run progress as timestamped lines.
type consoleRecorder struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func (r *consoleRecorder) Logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "[%s] %s\n", r.now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

func (r *consoleRecorder) Pages(pages, harvested int)         {}
func (r *consoleRecorder) Matched(n int)                      {}
func (r *consoleRecorder) Progress(processed, total int)      {}
func (r *consoleRecorder) AddKeys(keys []domain.ExtractedKey) {}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("keyharvest-cli-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// signalContext stops the run cooperatively on the first signal and exits on
// the second.
func signalContext(ctl *harvest.Control) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
		fmt.Fprintln(os.Stderr, "stopping after the current order; press Ctrl+C again to quit")
		ctl.Cancel()
		select {
		case <-ch:
			os.Exit(exitFailed)
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}
