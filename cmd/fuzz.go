package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/specfuzz/specfuzz/internal/auth"
	"github.com/specfuzz/specfuzz/internal/config"
	"github.com/specfuzz/specfuzz/internal/observability"
	"github.com/specfuzz/specfuzz/pkg/coverage"
	"github.com/specfuzz/specfuzz/pkg/engine"
	"github.com/specfuzz/specfuzz/pkg/executor"
	"github.com/specfuzz/specfuzz/pkg/feedback"
	"github.com/specfuzz/specfuzz/pkg/mutate"
	"github.com/specfuzz/specfuzz/pkg/spec"
)

func newFuzzCmd() *cobra.Command {
	fuzzCmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Run a fuzzing campaign against the configured target",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			bindings := map[string]string{
				"target.spec_path":      "spec",
				"target.base_url":       "target",
				"coverage.endpoint":     "coverage-endpoint",
				"engine.workers":        "workers",
				"engine.max_iterations": "iterations",
				"engine.time_budget":    "duration",
				"engine.seed":           "seed",
				"campaign.dir":          "campaign",
				"campaign.seed_dir":     "seed-dir",
				"campaign.resume":       "resume",
			}
			for key, flag := range bindings {
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Re-unmarshal so flag overrides bound in PreRunE take effect.
			if err := viper.Unmarshal(cfg); err != nil {
				return fmt.Errorf("apply flag overrides: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log := observability.GetLogger()

			catalog, err := spec.Load(cfg.Target.SpecPath, cfg.Target.BaseURL)
			if err != nil {
				return err
			}
			log.Info("specification loaded",
				zap.String("title", catalog.Title),
				zap.String("target", catalog.BaseURL),
				zap.Int("operations", catalog.Len()))

			eng, err := buildEngine(cfg, catalog, log)
			if err != nil {
				return err
			}
			return eng.Run(cmd.Context())
		},
	}

	fuzzCmd.Flags().StringP("spec", "s", "", "Path to the OpenAPI document. (Overrides config/env)")
	fuzzCmd.Flags().StringP("target", "t", "", "Target base URL, overrides the document's servers. (Overrides config/env)")
	fuzzCmd.Flags().String("coverage-endpoint", "", "Coverage sidecar endpoint URL. (Overrides config/env)")
	fuzzCmd.Flags().IntP("workers", "j", 4, "Number of parallel fuzzing workers. (Overrides config/env)")
	fuzzCmd.Flags().Uint64P("iterations", "n", 0, "Stop after this many iterations, 0 means unbounded. (Overrides config/env)")
	fuzzCmd.Flags().DurationP("duration", "d", 0, "Stop after this much time, 0 means unbounded. (Overrides config/env)")
	fuzzCmd.Flags().Int64("seed", 1, "Random seed for deterministic replay. (Overrides config/env)")
	fuzzCmd.Flags().String("campaign", "campaign", "Campaign state directory. (Overrides config/env)")
	fuzzCmd.Flags().String("seed-dir", "", "Directory of initial seed testcases. (Overrides config/env)")
	fuzzCmd.Flags().Bool("resume", true, "Resume from existing campaign state. (Overrides config/env)")
	return fuzzCmd
}

// buildEngine wires the collaborators: feedback graph, auth provider,
// coverage client, executor and the engine itself.
func buildEngine(cfg *config.Config, catalog *spec.Catalog, log *zap.Logger) (*engine.Engine, error) {
	rules := feedback.DeriveRules(catalog)
	if cfg.Feedback.RulesFile != "" {
		var err error
		rules, err = feedback.LoadRuleOverrides(cfg.Feedback.RulesFile, rules)
		if err != nil {
			return nil, err
		}
	}
	graph := feedback.NewGraph(cfg.Feedback.MaxValuesPerKey)
	fb := feedback.New(rules, graph, log.Named("feedback"))

	provider, err := buildAuthProvider(cfg.Auth)
	if err != nil {
		return nil, err
	}

	covClient := coverage.NewHTTPClient(cfg.Coverage.Endpoint, cfg.Coverage.Timeout, log.Named("coverage"))

	exec := executor.New(catalog, provider, covClient, fb, executor.Options{
		CallTimeout:     cfg.Executor.CallTimeout,
		CoverageTimeout: cfg.Coverage.Timeout,
		RequestsPerSec:  cfg.Executor.RequestsPerSec,
		MaxBodyBytes:    cfg.Executor.MaxBodyBytes,
	}, log.Named("executor"))

	mutOpts := mutate.Options{
		ValueWeight:      cfg.Mutator.ValueWeight,
		GenerateWeight:   cfg.Mutator.GenerateWeight,
		StructuralWeight: cfg.Mutator.StructuralWeight,
		SpliceWeight:     cfg.Mutator.SpliceWeight,
		BindProbability:  cfg.Mutator.BindProbability,
		OptionalChance:   cfg.Mutator.OptionalChance,
		Dictionary:       cfg.Mutator.Dictionary,
		MaxCalls:         cfg.Mutator.MaxCalls,
	}

	return engine.New(engine.Config{
		Workers:         cfg.Engine.Workers,
		MaxIterations:   cfg.Engine.MaxIterations,
		TimeBudget:      cfg.Engine.TimeBudget,
		CheckpointEvery: cfg.Engine.CheckpointEvery,
		ReweightEvery:   cfg.Engine.ReweightEvery,
		SnapshotEvery:   cfg.Engine.SnapshotEvery,
		Seed:            cfg.Engine.Seed,
		CampaignDir:     cfg.Campaign.Dir,
		SeedDir:         cfg.Campaign.SeedDir,
		Resume:          cfg.Campaign.Resume,
	}, catalog, exec, fb, mutOpts, nil, log.Named("engine"))
}

func buildAuthProvider(a config.AuthConfig) (auth.Provider, error) {
	switch a.Mode {
	case "", "none":
		return auth.None{}, nil
	case "static":
		return auth.Static{Token: a.Token}, nil
	case "endpoint":
		return &auth.TokenEndpoint{
			URL:         a.URL,
			Method:      a.Method,
			ContentType: a.ContentType,
			Body:        a.Body,
			Key:         a.Key,
		}, nil
	}
	return nil, fmt.Errorf("unknown auth mode %q", a.Mode)
}

func init() {
	rootCmd.AddCommand(newFuzzCmd())
}
