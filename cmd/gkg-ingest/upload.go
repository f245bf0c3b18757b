package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/otb-data/gkg-ingest/internal/config"
	"github.com/otb-data/gkg-ingest/internal/elasticsearch"
	"github.com/otb-data/gkg-ingest/internal/lifecycle"
	"github.com/otb-data/gkg-ingest/internal/logger"
	"github.com/otb-data/gkg-ingest/internal/pipeline"
	"github.com/otb-data/gkg-ingest/internal/source"
)

var uploadCmd = &cobra.Command{
	Use:   "upload --file <path>",
	Short: "Bulk-load one GKG extract file into the rollover alias",
	Long: `Upload streams a GKG flat file through parse, batch and concurrent bulk
sends into the configured rollover alias. The run verifies that the alias
resolves to exactly one writable index before the first batch goes out and
prints a JSON summary when it terminates. Exit code 0 means every document
reached a terminal outcome and all connections were released.`,
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().String("file", "", "path to the GKG extract (required)")
	uploadCmd.Flags().String("alias", "", "target rollover alias (overrides GKG_ALIAS)")
	uploadCmd.Flags().String("schema", "", "GKG schema version (overrides GKG_SCHEMA)")
	uploadCmd.Flags().Int("batch-size", 0, "max documents per bulk batch")
	uploadCmd.Flags().Int("batch-bytes", 0, "max serialized bytes per bulk batch")
	uploadCmd.Flags().Int("workers", 0, "concurrent in-flight bulk sends")
	uploadCmd.Flags().Float64("max-error-rate", 0, "parse failure rate that fails the run")
	uploadCmd.Flags().Int("max-attempts", 0, "bulk attempts per batch, first try included")
	uploadCmd.Flags().Duration("backoff", 0, "initial retry backoff")
	uploadCmd.Flags().Bool("ensure", false, "provision policy and bootstrap index before uploading")
	_ = uploadCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	log := logger.New("upload")

	cfg, err := config.LoadIngest()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyIngestFlags(cmd, cfg)

	file, _ := cmd.Flags().GetString("file")
	ensure, _ := cmd.Flags().GetBool("ensure")

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
	if ensure {
		if err := provision(ctx, manager); err != nil {
			return err
		}
	}

	src, err := source.OpenFile(file)
	if err != nil {
		return err
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

	summary, runErr := runner.Run(ctx)
	printSummary(summary)
	return runErr
}

// applyIngestFlags overlays explicitly-set flags onto the env config.
func applyIngestFlags(cmd *cobra.Command, cfg *config.Ingest) {
	if v, _ := cmd.Flags().GetString("alias"); v != "" {
		cfg.Alias = v
	}
	if v, _ := cmd.Flags().GetString("schema"); v != "" {
		cfg.SchemaName = v
	}
	if v, _ := cmd.Flags().GetInt("batch-size"); v > 0 {
		cfg.BatchSize = v
	}
	if v, _ := cmd.Flags().GetInt("batch-bytes"); v > 0 {
		cfg.BatchBytes = v
	}
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		cfg.Workers = v
	}
	if v, _ := cmd.Flags().GetFloat64("max-error-rate"); v > 0 {
		cfg.MaxErrorRate = v
	}
	if v, _ := cmd.Flags().GetInt("max-attempts"); v > 0 {
		cfg.MaxAttempts = v
	}
	if v, _ := cmd.Flags().GetDuration("backoff"); v > 0 {
		cfg.RetryBackoff = v
	}
}

// lifecycleManager builds a manager from the lifecycle env config scoped to
// the ingest alias.
func lifecycleManager(esClient *elasticsearch.Client, common config.Common) *lifecycle.Manager {
	// Policy rules come from the lifecycle env config; upload only needs
	// them when --ensure provisions the topology.
	lcfg, err := config.LoadLifecycle()
	if err != nil {
		lcfg = &config.Lifecycle{PolicyName: "gkg-policy", RolloverMaxAge: "7d"}
	}
	return lifecycle.New(esClient, common.Alias, lifecycle.PolicySpec{
		Name:            lcfg.PolicyName,
		RolloverMaxAge:  lcfg.RolloverMaxAge,
		RolloverMaxSize: lcfg.RolloverMaxSize,
		RolloverMaxDocs: lcfg.RolloverMaxDocs,
		DeleteMinAge:    lcfg.DeleteMinAge,
	}, logger.New("lifecycle"))
}

// provision runs the idempotent policy + bootstrap index setup.
func provision(ctx context.Context, manager *lifecycle.Manager) error {
	if _, _, err := manager.EnsurePolicy(ctx); err != nil {
		return err
	}
	lcfg, _ := config.LoadLifecycle()
	initial := ""
	if lcfg != nil {
		initial = lcfg.InitialIndex
	}
	if _, err := manager.EnsureBootstrapIndex(ctx, initial); err != nil {
		return err
	}
	return nil
}

func printSummary(summary *pipeline.Summary) {
	if summary == nil {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
}
