package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/butler/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show effective configuration",
	Long: `Display the effective configuration after merging defaults, the user
config, the project .butler.yaml, and environment variables.

User config lives at ~/.config/butler/config.yaml; project overrides
in .butler.yaml in the working directory or a parent.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		displayConfig(cfg)
	},
}

func displayConfig(cfg *config.Config) {
	fmt.Printf("anthropic.api_key: %s\n", config.MaskAPIKey(cfg.Anthropic.APIKey))
	fmt.Printf("anthropic.model: %s\n", orUnset(cfg.Anthropic.Model))
	fmt.Printf("anthropic.use_aws_bedrock: %t\n", cfg.Anthropic.UseAWSBedrock)
	fmt.Printf("anthropic.max_retries: %d\n", cfg.Anthropic.MaxRetries)
	fmt.Printf("session.idle_window: %s\n", cfg.Session.IdleWindow)
	fmt.Printf("session.approval_timeout: %s\n", cfg.Session.ApprovalTimeout)
	fmt.Printf("orchestrator.confidence_threshold: %.2f\n", cfg.Orchestr.ConfidenceThreshold)
	fmt.Printf("orchestrator.max_delegations: %d\n", cfg.Orchestr.MaxDelegations)
	fmt.Printf("agents.personalities_path: %s\n", orUnset(cfg.Agents.PersonalitiesPath))
	fmt.Printf("agents.timeout: %s\n", cfg.Agents.Timeout)
	fmt.Printf("hooks.path: %s\n", orUnset(cfg.Hooks.Path))
	fmt.Printf("hooks.max_parallel: %d\n", cfg.Hooks.MaxParallel)
	fmt.Printf("hooks.default_timeout: %s\n", cfg.Hooks.DefaultTimeout)
	fmt.Printf("cache.min_tokens: %d\n", cfg.Cache.MinTokens)
	fmt.Printf("cache.ttl: %s\n", cfg.Cache.TTL)
	fmt.Printf("cache.max_bytes: %d\n", cfg.Cache.MaxBytes)

	if len(cfg.Tools) > 0 {
		names := make([]string, 0, len(cfg.Tools))
		for name := range cfg.Tools {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("tools.%s: %s\n", name, cfg.Tools[name])
		}
	}
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
