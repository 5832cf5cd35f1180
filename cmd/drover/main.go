// Command drover drives a browser debugging endpoint: it attaches to the
// first page target, navigates it, waits for the load event while watching
// for crashes and detach, and prints the resulting document title. It doubles
// as a smoke test for a devtools endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/odvcencio/drover/pkg/cdp"
	"github.com/odvcencio/drover/pkg/config"
	"github.com/odvcencio/drover/pkg/logging"
	"github.com/odvcencio/drover/pkg/observability"
	"github.com/odvcencio/drover/pkg/wait"
)

// Version information - set via ldflags during build
var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		wsURL       = flag.String("ws", "", "devtools websocket URL (overrides config)")
		pageURL     = flag.String("url", "", "page URL to navigate to")
		timeout     = flag.Duration("timeout", 30*time.Second, "navigation timeout")
		metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address (overrides config)")
		debug       = flag.Bool("debug", false, "enable debug logging")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("drover %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drover: %v\n", err)
		os.Exit(1)
	}
	if *wsURL != "" {
		cfg.Endpoint.URL = *wsURL
	}
	if *metricsAddr != "" {
		cfg.Metrics.ListenAddr = *metricsAddr
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if cfg.Endpoint.URL == "" {
		fmt.Fprintln(os.Stderr, "drover: no devtools websocket URL (use -ws or endpoint.url in config)")
		os.Exit(2)
	}
	if *pageURL == "" {
		fmt.Fprintln(os.Stderr, "drover: no page URL (use -url)")
		os.Exit(2)
	}

	logger := logging.Init("drover", logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider("drover", version)
		if err != nil {
			logger.Fatal().Err(err).Msg("tracing setup failed")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("metrics listening")
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if err := run(ctx, cfg, *pageURL, *timeout, logger); err != nil {
		logger.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, pageURL string, timeout time.Duration, logger zerolog.Logger) error {
	conn, err := cdp.Dial(ctx, cfg.Endpoint.URL,
		cdp.WithLogger(logging.For(logger, logging.ComponentConn)),
		cdp.WithDialTimeout(cfg.Endpoint.DialTimeout),
		cdp.WithCommandTimeout(cfg.Endpoint.CommandTimeout),
		cdp.WithPingInterval(cfg.Endpoint.PingInterval),
		cdp.WithMaxFrameSize(cfg.Endpoint.MaxFrameSize),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	targetID, err := firstPageTarget(ctx, conn)
	if err != nil {
		return err
	}
	logger.Info().Str("target_id", targetID).Msg("attaching")

	sess, err := conn.Attach(ctx, targetID)
	if err != nil {
		return err
	}
	if _, err := sess.Send(ctx, "Page.enable", nil); err != nil {
		return err
	}

	w := wait.New(logging.For(logger, logging.ComponentWaiter))
	logger.Debug().Str("wait_id", w.ID()).Str("target_id", targetID).Msg("navigation wait armed")
	w.Logf("navigating %s to %s", targetID, pageURL)
	w.FailOnTimeout(timeout, fmt.Sprintf("navigation to %s timed out", pageURL))
	w.FailOnEvent(sess, "Inspector.targetCrashed",
		func() error { return errors.New("target crashed during navigation") }, nil)
	w.FailOnEvent(sess, cdp.EventSessionDetached,
		func() error { return errors.New("session closed during navigation") }, nil)

	if _, err := sess.Send(ctx, "Page.navigate", map[string]string{"url": pageURL}); err != nil {
		w.Dispose()
		return err
	}
	w.Log("navigation requested, awaiting load event")
	if _, err := w.WaitForEvent(ctx, sess, "Page.loadEventFired", nil); err != nil {
		return err
	}

	title, err := documentTitle(ctx, sess)
	if err != nil {
		return err
	}
	fmt.Println(title)
	return nil
}

func firstPageTarget(ctx context.Context, conn *cdp.Conn) (string, error) {
	result, err := conn.Root().Send(ctx, "Target.getTargets", nil)
	if err != nil {
		return "", err
	}
	var payload struct {
		TargetInfos []struct {
			TargetID string `json:"targetId"`
			Type     string `json:"type"`
		} `json:"targetInfos"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return "", fmt.Errorf("parse Target.getTargets result: %w", err)
	}
	for _, info := range payload.TargetInfos {
		if info.Type == "page" {
			return info.TargetID, nil
		}
	}
	return "", errors.New("no page target available")
}

func documentTitle(ctx context.Context, sess *cdp.Session) (string, error) {
	result, err := sess.Send(ctx, "Runtime.evaluate", map[string]any{
		"expression":    "document.title",
		"returnByValue": true,
	})
	if err != nil {
		return "", err
	}
	var payload struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return "", fmt.Errorf("parse Runtime.evaluate result: %w", err)
	}
	return payload.Result.Value, nil
}
