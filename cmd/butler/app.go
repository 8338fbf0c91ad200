package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kestrelhq/butler/internal/approval"
	"github.com/kestrelhq/butler/internal/butler"
	"github.com/kestrelhq/butler/internal/config"
	"github.com/kestrelhq/butler/internal/hooks"
	"github.com/kestrelhq/butler/internal/llm"
	"github.com/kestrelhq/butler/internal/permission"
	"github.com/kestrelhq/butler/internal/promptcache"
	"github.com/kestrelhq/butler/internal/session"
	"github.com/kestrelhq/butler/internal/state"
	"github.com/kestrelhq/butler/internal/subagent"
	"github.com/kestrelhq/butler/internal/tools"
)

// App wires the orchestration core together for the CLI.
type App struct {
	Config   *config.Config
	DB       *state.DB
	Engine   *permission.Engine
	Sessions *session.Manager

	prompts *promptcache.Manager
	watcher *approval.Watcher
}

// newApp builds the full stack: config, storage, completion client,
// hooks, permissions, spawner, orchestrator, session manager.
func newApp() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	db, err := state.OpenProject(cwd)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	recoverInterrupted(db)

	var apiKey string
	if !cfg.Anthropic.UseAWSBedrock {
		apiKey, err = config.GetAPIKey(cfg)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := config.ValidateAPIKey(apiKey); err != nil {
			db.Close()
			return nil, fmt.Errorf("API key %s: %w", config.MaskAPIKey(apiKey), err)
		}
	}

	client, err := llm.NewClient(llm.ClientConfig{
		Model:         cfg.Anthropic.Model,
		APIKey:        apiKey,
		UseAWSBedrock: cfg.Anthropic.UseAWSBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create completion client: %w", err)
	}
	completions := llm.NewRetryingService(client, cfg.Anthropic.MaxRetries)

	prompts, err := promptcache.NewManager(db, promptcache.Config{
		MinTokens: cfg.Cache.MinTokens,
		TTL:       cfg.Cache.TTL,
		MaxBytes:  cfg.Cache.MaxBytes,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create prompt cache: %w", err)
	}

	hookRegs, err := config.LoadHooks(cfg.Hooks.Path)
	if err != nil {
		return nil, fmt.Errorf("load hooks: %w", err)
	}
	runner, err := hooks.NewRunner(hookRegs,
		hooks.WithMaxParallel(cfg.Hooks.MaxParallel),
		hooks.WithDefaultTimeout(cfg.Hooks.DefaultTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create hook runner: %w", err)
	}

	engine := permission.NewEngine(permission.EngineConfig{
		Calls:           db,
		Audit:           db,
		Hooks:           runner,
		Approvals:       permission.NewApprovalManager(),
		ApprovalTimeout: cfg.Session.ApprovalTimeout,
	})

	provider := tools.NewScriptProvider(cfg.Tools)
	registry := tools.NewRegistry()
	if err := tools.RegisterAll(registry,
		tools.SchedulerTools(provider),
		tools.CommunicatorTools(provider),
		tools.NavigatorTools(provider),
		tools.ResearcherTools(provider),
	); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	executor := tools.NewExecutor(tools.ExecutorConfig{
		Registry: registry,
		Engine:   engine,
		Hooks:    runner,
	})

	personalities := config.DefaultPersonalities()
	if cfg.Agents.PersonalitiesPath != "" {
		personalities, err = config.LoadPersonalities(cfg.Agents.PersonalitiesPath)
		if err != nil {
			return nil, fmt.Errorf("load personalities: %w", err)
		}
	}

	spawner := subagent.NewSpawner(subagent.SpawnerConfig{
		Completions:   completions,
		Registry:      registry,
		Executor:      executor,
		Runs:          db,
		Prompts:       prompts,
		Personalities: personalities,
		Timeout:       cfg.Agents.Timeout,
	})

	orchestrator := butler.NewOrchestrator(butler.OrchestratorConfig{
		Classifier:     butler.NewClassifier(completions, prompts, cfg.Orchestr.ConfidenceThreshold),
		Spawner:        spawner,
		Completions:    completions,
		Prompts:        prompts,
		MaxDelegations: cfg.Orchestr.MaxDelegations,
	})

	sessions := session.NewManager(session.ManagerConfig{
		Sessions:     db,
		Hooks:        runner,
		Orchestrator: orchestrator,
		IdleWindow:   cfg.Session.IdleWindow,
	})
	engine.SetNotifier(sessions)

	watcher, err := approval.NewWatcher(filepath.Join(cwd, ".butler", "approvals"), engine)
	if err != nil {
		log.Printf("[app] out-of-band approvals unavailable: %v", err)
	}

	return &App{
		Config:   cfg,
		DB:       db,
		Engine:   engine,
		Sessions: sessions,
		prompts:  prompts,
		watcher:  watcher,
	}, nil
}

// Close releases the app's resources.
func (a *App) Close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.prompts != nil {
		a.prompts.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// recoverInterrupted settles runs left running by a previous process.
func recoverInterrupted(db *state.DB) {
	rm := state.NewRecoveryManager(db)
	interrupted, err := rm.CheckForInterrupted()
	if err != nil {
		log.Printf("[app] checking for interrupted sessions: %v", err)
		return
	}
	for _, is := range interrupted {
		if err := rm.Recover(is.SessionID); err != nil {
			log.Printf("[app] recovering session %s: %v", is.SessionID, err)
			continue
		}
		log.Printf("[app] recovered interrupted session %s (%d runs settled, %d calls pending)",
			is.SessionID, is.RunningRuns, is.PendingCalls)
	}
}
