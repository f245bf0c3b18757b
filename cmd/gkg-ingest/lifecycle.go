package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/otb-data/gkg-ingest/internal/config"
	"github.com/otb-data/gkg-ingest/internal/elasticsearch"
	"github.com/otb-data/gkg-ingest/internal/lifecycle"
	"github.com/otb-data/gkg-ingest/internal/logger"
)

var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle",
	Short: "Provision and inspect the ILM policy and rollover alias",
	Long: `Lifecycle operations are idempotent and run independently of ingestion:
setup creates the ILM policy and the bootstrap write index behind the
rollover alias, verify checks writability read-only, and status reports
every index of the rollover sequence.`,
}

var lifecycleSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the ILM policy and bootstrap index if absent",
	RunE:  runLifecycleSetup,
}

var lifecycleVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the alias resolves to one writable index",
	RunE:  runLifecycleVerify,
}

var lifecycleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report indices, attached policies and document counts",
	RunE:  runLifecycleStatus,
}

func init() {
	lifecycleCmd.PersistentFlags().String("alias", "", "rollover alias (overrides GKG_ALIAS)")
	lifecycleCmd.PersistentFlags().String("policy", "", "ILM policy name (overrides GKG_POLICY)")
	lifecycleSetupCmd.Flags().String("initial-index", "", "name of the bootstrap index (default <alias>-000001)")

	lifecycleCmd.AddCommand(lifecycleSetupCmd, lifecycleVerifyCmd, lifecycleStatusCmd)
	rootCmd.AddCommand(lifecycleCmd)
}

// lifecycleSetup loads config, applies flags and connects.
func lifecycleSetup(cmd *cobra.Command) (context.Context, context.CancelFunc, *config.Lifecycle, *elasticsearch.Client, *lifecycle.Manager, error) {
	log := logger.New("lifecycle")

	cfg, err := config.LoadLifecycle()
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("alias"); v != "" {
		cfg.Alias = v
	}
	if v, _ := cmd.Flags().GetString("policy"); v != "" {
		cfg.PolicyName = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	esClient, err := elasticsearch.New(elasticsearch.Config{
		Addresses: cfg.ElasticsearchAddrs,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}, log)
	if err != nil {
		stop()
		return nil, nil, nil, nil, nil, err
	}

	if err := esClient.WaitForCluster(ctx, 10, 2*time.Second); err != nil {
		esClient.Close()
		stop()
		return nil, nil, nil, nil, nil, err
	}

	manager := lifecycle.New(esClient, cfg.Alias, lifecycle.PolicySpec{
		Name:            cfg.PolicyName,
		RolloverMaxAge:  cfg.RolloverMaxAge,
		RolloverMaxSize: cfg.RolloverMaxSize,
		RolloverMaxDocs: cfg.RolloverMaxDocs,
		DeleteMinAge:    cfg.DeleteMinAge,
	}, log)
	return ctx, stop, cfg, esClient, manager, nil
}

func runLifecycleSetup(cmd *cobra.Command, args []string) error {
	ctx, stop, cfg, esClient, manager, err := lifecycleSetup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer esClient.Close()

	createdPolicy, drift, err := manager.EnsurePolicy(ctx)
	if err != nil {
		return err
	}

	initial, _ := cmd.Flags().GetString("initial-index")
	if initial == "" {
		initial = cfg.InitialIndex
	}
	createdIndex, err := manager.EnsureBootstrapIndex(ctx, initial)
	if err != nil {
		return err
	}

	fmt.Printf("policy %s: created=%v drift=%v\n", cfg.PolicyName, createdPolicy, drift)
	fmt.Printf("alias %s: bootstrap_created=%v\n", cfg.Alias, createdIndex)
	return nil
}

func runLifecycleVerify(cmd *cobra.Command, args []string) error {
	ctx, stop, cfg, esClient, manager, err := lifecycleSetup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer esClient.Close()

	ok, err := manager.VerifyWritable(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("alias %s is not writable", cfg.Alias)
	}
	fmt.Printf("alias %s: writable\n", cfg.Alias)
	return nil
}

func runLifecycleStatus(cmd *cobra.Command, args []string) error {
	ctx, stop, cfg, esClient, manager, err := lifecycleSetup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer esClient.Close()

	infos, err := manager.Status(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Printf("no indices behind alias %s\n", cfg.Alias)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tPOLICY\tDOCS")
	for _, info := range infos {
		policy := info.PolicyName
		if policy == "" {
			policy = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\n", info.Name, policy, info.DocsCount)
	}
	return w.Flush()
}
