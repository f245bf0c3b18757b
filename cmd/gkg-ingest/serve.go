package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/otb-data/gkg-ingest/internal/config"
	"github.com/otb-data/gkg-ingest/internal/dedupe"
	"github.com/otb-data/gkg-ingest/internal/elasticsearch"
	"github.com/otb-data/gkg-ingest/internal/gkg"
	"github.com/otb-data/gkg-ingest/internal/logger"
	"github.com/otb-data/gkg-ingest/internal/ops"
	"github.com/otb-data/gkg-ingest/internal/pipeline"
	"github.com/otb-data/gkg-ingest/internal/source"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Continuously ingest GKG lines from a Kafka topic",
	Long: `Serve runs the ingestion pipeline against a Kafka topic instead of a
file, deduplicating replayed messages, until it receives SIGTERM/SIGINT.
An ops endpoint exposes /healthz and /stats while the stream runs.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("ops-addr", "", "ops HTTP bind address (overrides OPS_BIND_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.New("serve")

	cfg, err := config.LoadServe()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("ops-addr"); v != "" {
		cfg.OpsBindAddr = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	esClient, err := elasticsearch.New(elasticsearch.Config{
		Addresses:    cfg.ElasticsearchAddrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
	}, log)
	if err != nil {
		return err
	}
	defer esClient.Close()

	if err := esClient.WaitForCluster(ctx, 10, 2*time.Second); err != nil {
		return err
	}

	manager := lifecycleManager(esClient, cfg.Common)

	kafkaSrc := source.OpenKafka(source.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroup,
	})
	src := &dedupingSource{
		inner: kafkaSrc,
		cache: dedupe.NewCache(cfg.DedupeCapacity, cfg.DedupeTTL),
		log:   log,
	}
	defer src.Close()

	runner := pipeline.New(pipeline.Config{
		Alias:        cfg.Alias,
		SchemaName:   cfg.SchemaName,
		BatchSize:    cfg.BatchSize,
		BatchBytes:   cfg.BatchBytes,
		Workers:      cfg.Workers,
		MaxErrorRate: cfg.MaxErrorRate,
	}, src, esClient, manager, log)

	opsServer := ops.New(cfg.OpsBindAddr, runner, esClient, log)
	go func() {
		if err := opsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server stopped", slog.Any("err", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("ops server shutdown", slog.Any("err", err))
		}
	}()

	summary, runErr := runner.Run(ctx)
	printSummary(summary)

	// A signal-triggered stop is a clean exit for the daemon.
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		log.Info("stream stopped by signal")
		return nil
	}
	return runErr
}

// dedupingSource drops records whose origin (topic partition + offset) was
// already handed to the pipeline inside the dedupe window.
type dedupingSource struct {
	inner pipeline.Source
	cache *dedupe.Cache
	log   *slog.Logger
}

func (s *dedupingSource) Next(ctx context.Context) (gkg.Record, error) {
	for {
		rec, err := s.inner.Next(ctx)
		if err != nil {
			return rec, err
		}
		key := fmt.Sprintf("%s@%d", rec.Source, rec.Offset)
		if s.cache.Seen(key) {
			s.log.Debug("duplicate record skipped", slog.String("key", key))
			continue
		}
		return rec, nil
	}
}

func (s *dedupingSource) Close() error {
	return s.inner.Close()
}
