package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagAddr     string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "video-locator",
	Short: "Find the playable video URL on a web page with headless Chrome",
	Long: `video-locator loads a page in headless Chrome, waits for it to settle and
checks video tags, source children, iframes and finally the rendered markup
for a playable media URL. It runs as an HTTP service or as a one-off lookup.`,
	SilenceUsage: true,
	RunE:         serveRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	Args:  cobra.NoArgs,
	RunE:  serveRun,
}

var locateCmd = &cobra.Command{
	Use:   "locate <url>",
	Short: "Look up one page and print the result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  locateRun,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "YAML config file (default $LOCATOR_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug | info | warn | error")
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address, e.g. :5000")
	rootCmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address, e.g. :5000")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(locateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges defaults < config file < environment < flags.
func loadConfig() (*Config, error) {
	cfg, err := LoadConfig(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagAddr != "" {
		cfg.ListenAddr = flagAddr
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	configureLogger(LogConfig{Level: cfg.LogLevel, Output: os.Stderr})
	return cfg, nil
}

// app holds the wired service and everything that must be released with it.
type app struct {
	service *LocateService
	cache   Cache
	events  EventBus
}

func newApp(ctx context.Context, cfg *Config) (*app, error) {
	launcher := NewChromeLauncher(cfg.Browser, componentLogger("browser"))
	locator := NewLocator(launcher, cfg.Locator, cfg.Browser.UserAgent, componentLogger("locator"))

	var cache Cache = NewMemoryCache()
	if cfg.Cache.RedisAddr != "" {
		rc, err := NewRedisCache(ctx, cfg.Cache, componentLogger("cache"))
		if err != nil {
			return nil, err
		}
		cache = rc
	}

	if err := registerCacheMetrics(prometheus.DefaultRegisterer, cache); err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("registering cache metrics: %w", err)
	}

	events, err := NewEventBus(ctx, cfg.PubSub, componentLogger("events"))
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	service := NewLocateService(locator, launcher, cache, cfg.Cache.TTL, events, cfg.Batch, componentLogger("service"))
	return &app{service: service, cache: cache, events: events}, nil
}

func (a *app) Close() {
	log := componentLogger("app")
	if err := a.events.Close(); err != nil {
		log.Warn().Err(err).Msg("closing event bus")
	}
	if err := a.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("closing cache")
	}
}

func serveRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := componentLogger("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := NewServer(cfg, a.service, log).HTTPServer()
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("starting locator server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func locateRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.service.Locate(ctx, "cli", args[0])
	if err != nil {
		return fmt.Errorf("locate %s: %w", args[0], err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(newLocateResponse(res))
}
