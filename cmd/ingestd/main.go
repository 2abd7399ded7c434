// ingestd runs authenticated, rate-limited API extractions and stages the
// results as partitioned JSONL batches in object storage.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/datalift/ingest/pkg/auth"
	"github.com/datalift/ingest/pkg/client"
	"github.com/datalift/ingest/pkg/config"
	"github.com/datalift/ingest/pkg/fetch"
	"github.com/datalift/ingest/pkg/logging"
	"github.com/datalift/ingest/pkg/ratelimit"
	"github.com/datalift/ingest/pkg/runner"
	"github.com/datalift/ingest/pkg/stage"
	"github.com/datalift/ingest/pkg/transform"
	"github.com/datalift/ingest/pkg/watermark"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "ingestd",
		Short: "API-to-object-storage ingestion engine",
		Long: `ingestd extracts records from paginated REST APIs and stages them as
partitioned JSONL batches in object storage, ready for warehouse loading.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ingestd v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configPath, sourceFilter, since string
	var full bool

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run ingestion for the configured sources",
		Long: `Run one ingestion per configured source, in parallel. Each run fetches,
transforms, and writes one batch. Incremental extraction resumes from the
stored watermark unless --since or --full overrides it.

Example:
  ingestd run --config ingest.yaml --source orders --since 2026-08-01T00:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runIngestion(configPath, sourceFilter, since, full)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "ingest.yaml", "path to the YAML configuration")
	runCmd.Flags().StringVar(&sourceFilter, "source", "", "run only the named source")
	runCmd.Flags().StringVar(&since, "since", "", "incremental watermark override (forwarded to the API)")
	runCmd.Flags().BoolVar(&full, "full", false, "ignore stored watermarks and extract everything")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runIngestion(configPath, sourceFilter, since string, full bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Setup(logging.Config{Level: logging.LogLevel(cfg.Log.Level), Pretty: cfg.Log.Pretty})
	logger := logging.NewLogger("ingestd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics endpoint started")
	}

	store, err := stage.NewS3Store(ctx, stage.S3Config{
		Bucket:   cfg.Staging.Bucket,
		Region:   cfg.Staging.Region,
		Endpoint: cfg.Staging.Endpoint,
	})
	if err != nil {
		return err
	}

	var marks watermark.Store
	if cfg.Watermark.RedisAddr != "" {
		marks = watermark.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.Watermark.RedisAddr}))
	}

	var notifier runner.Notifier
	if cfg.NotifyURL != "" {
		notifier = &httpNotifier{url: cfg.NotifyURL, client: &http.Client{Timeout: 10 * time.Second}}
	}

	var runs []*runner.Run
	var starts []time.Time
	for _, src := range cfg.Sources {
		if sourceFilter != "" && src.Name != sourceFilter {
			continue
		}

		srcSince := since
		if srcSince == "" && !full && marks != nil {
			srcSince, err = marks.Get(ctx, src.Name)
			if err != nil && !errors.Is(err, watermark.ErrNotFound) {
				return fmt.Errorf("read watermark for %s: %w", src.Name, err)
			}
		}

		run, err := buildRun(src, cfg, store, notifier, srcSince)
		if err != nil {
			return fmt.Errorf("source %s: %w", src.Name, err)
		}
		runs = append(runs, run)
		starts = append(starts, time.Now().UTC())
	}

	if len(runs) == 0 {
		return fmt.Errorf("no sources matched")
	}

	reports := runner.RunAll(ctx, runs)

	failed := 0
	for i, report := range reports {
		if report.State == runner.StateCompleted {
			if marks != nil {
				next := starts[i].Format(time.RFC3339)
				if err := marks.Set(ctx, report.Source, next); err != nil {
					logger.Warn().Err(err).Str("source", report.Source).Msg("Watermark advance failed")
				}
			}
			fmt.Printf("%s: completed batch %s (%d fetched, %d invalid, %d written in %d parts)\n",
				report.Source, report.BatchID, report.Fetched, report.Invalid,
				report.Written, len(report.Locations))
			continue
		}

		failed++
		fmt.Printf("%s: FAILED at %s: %v (%d fetched, %d written before failure)\n",
			report.Source, report.FailedStage, report.Err, report.Fetched, report.Written)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, len(reports))
	}
	return nil
}

// buildRun assembles the component chain for one source.
func buildRun(src config.SourceConfig, cfg *config.Config, store stage.ObjectStore, notifier runner.Notifier, since string) (*runner.Run, error) {
	provider, err := buildProvider(src.Auth, cfg.Retry)
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.NewLimiter(src.Name, ratelimit.Config{
		Requests: src.RateLimitRequests,
		Period:   src.RateLimitPeriod,
	})
	if err != nil {
		return nil, err
	}

	httpClient, err := client.New(client.Config{
		Source:   src.Name,
		Provider: provider,
		Limiter:  limiter,
		Retry: client.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.BackoffBase,
			MaxBackoff:     cfg.Retry.BackoffCap,
		},
		Timeout: cfg.Retry.Timeout,
	})
	if err != nil {
		return nil, err
	}

	fetchCfg := fetch.Config{
		Source:     src.Name,
		BaseURL:    src.BaseURL,
		Endpoint:   src.Endpoint,
		PageSize:   src.Pagination.PageSize,
		MaxPages:   src.Pagination.MaxPages,
		SinceParam: src.Pagination.SinceParam,
	}
	var fetcher fetch.Fetcher
	switch src.Pagination.Style {
	case "cursor":
		fetcher, err = fetch.NewCursorFetcher(httpClient, fetchCfg)
	case "offset":
		fetcher, err = fetch.NewOffsetFetcher(httpClient, fetchCfg)
	default:
		err = fmt.Errorf("unknown pagination style %q", src.Pagination.Style)
	}
	if err != nil {
		return nil, err
	}

	transformer, err := transform.New(transform.Config{
		Source:          src.Name,
		RequiredFields:  src.RequiredFields,
		TimestampFields: src.TimestampFields,
		DedupeKey:       src.Dedupe.Key,
		VersionField:    src.Dedupe.VersionField,
		Flatten: transform.FlattenConfig{
			Separator:     src.Flatten.Separator,
			MaxDepth:      src.Flatten.MaxDepth,
			NormalizeKeys: src.Flatten.NormalizeKeys,
		},
	})
	if err != nil {
		return nil, err
	}

	writer, err := stage.NewWriter(store, stage.WriterConfig{
		Source:      src.Name,
		Prefix:      cfg.Staging.Prefix,
		RowsPerPart: cfg.Staging.RowsPerPart,
	})
	if err != nil {
		return nil, err
	}

	return runner.New(runner.Config{
		Source:      src.Name,
		Since:       since,
		Fetcher:     fetcher,
		Transformer: transformer,
		Writer:      writer,
		Notifier:    notifier,
	})
}

// buildProvider maps the YAML auth block to a credential provider. Token
// refreshes share the configured retry budget with request retries.
func buildProvider(a config.AuthConfig, retry config.RetryConfig) (auth.Provider, error) {
	switch a.Scheme {
	case config.SchemeOAuth2:
		return auth.NewOAuth2Provider(auth.OAuth2Config{
			TokenURL:     a.TokenURL,
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			Scope:        a.Scope,
			MaxAttempts:  retry.MaxAttempts,
			Backoff:      retry.BackoffBase,
			HTTPClient:   &http.Client{Timeout: retry.Timeout},
		})
	case config.SchemeAPIKey:
		scheme := auth.SchemeAPIKeyHeader
		if a.KeyLocation == config.KeyLocationQuery {
			scheme = auth.SchemeAPIKeyQuery
		}
		return auth.NewAPIKeyProvider(a.APIKey, a.KeyName, scheme)
	default:
		return nil, fmt.Errorf("unknown auth scheme %q", a.Scheme)
	}
}

// httpNotifier signals the downstream loader that a batch is committed.
type httpNotifier struct {
	url    string
	client *http.Client
}

func (n *httpNotifier) Notify(ctx context.Context, source, batchID string) error {
	payload, err := json.Marshal(map[string]string{
		"source":   source,
		"batch_id": batchID,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification rejected with status %d", resp.StatusCode)
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger := logging.NewLogger("ingestd")
		logger.Error().Err(err).Msg("Metrics endpoint failed")
	}
}
