package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/decision"
	"github.com/ShayCichocki/conductor/internal/escalation"
	"github.com/ShayCichocki/conductor/internal/git"
	"github.com/ShayCichocki/conductor/internal/llm"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/notify"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/signals"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/workspace"
)

// app holds everything a command needs, wired from the loaded config.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	db      state.StateStore
	escs    *escalation.Store
	coord   *escalation.Coordinator
	engine  *orchestrator.Engine
	console *notify.ConsoleSink
}

// loadConfig honours --config and --data-dir.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flagConfigPath != "" {
		cfg, err = config.LoadFromPath(flagConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagVerbose {
		cfg.Logging.Verbose = true
	}
	return cfg, nil
}

// openApp opens the stores and builds the engine. The escalation
// coordinator is not connected to the engine; commands that should resume
// runs on escalation responses call connectResumer.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	logPath := cfg.Logging.File
	if logPath == "" && os.Getenv("CONDUCTOR_DEBUG") != "" {
		logPath = filepath.Join(cfg.DataDir, "logs", "conductor.log")
	}
	a.logger, err = logging.New(logPath)
	if err != nil {
		return nil, err
	}
	if cfg.Logging.Verbose {
		a.logger = a.logger.WithMirror(os.Stderr)
	}

	status := state.NewStatusWriter(filepath.Join(cfg.DataDir, "status"))
	db, err := state.Open(state.DefaultDBPath(cfg.DataDir), state.WithStatusWriter(status))
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	a.db = db
	if err := a.db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate state database: %w", err)
	}

	a.escs, err = escalation.OpenStore(filepath.Join(cfg.DataDir, "escalations"))
	if err != nil {
		return nil, fmt.Errorf("open escalation store: %w", err)
	}

	var sinks notify.Multi
	sinks = append(sinks, notify.LogSink{Logger: a.logger})
	if cfg.Notify.Console {
		a.console = notify.NewConsoleSink(os.Stdout, cfg.Notify.Color)
		sinks = append(sinks, a.console)
	}

	a.coord = escalation.NewCoordinator(a.escs,
		escalation.WithSink(sinks),
		escalation.WithLogger(a.logger))

	decider, err := buildDecider(cfg, a.logger)
	if err != nil {
		return nil, err
	}

	sigDir, err := signals.NewDir(filepath.Join(cfg.DataDir, "signals"))
	if err != nil {
		return nil, err
	}

	a.engine, err = orchestrator.New(
		orchestrator.RequiredConfig{Store: a.db, Registry: builtinRegistry()},
		orchestrator.WithConfig(engineConfig(cfg)),
		orchestrator.WithDecider(decider),
		orchestrator.WithEscalator(a.coord),
		orchestrator.WithWorkspaces(buildWorkspaces(cfg)),
		orchestrator.WithSink(sinks),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithSignals(sigDir),
	)
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// connectResumer lets escalation responses seen by this process resume
// their runs.
func (a *app) connectResumer() {
	a.coord.SetResumer(a.engine)
}

func (a *app) close() {
	var errs []error
	if a.coord != nil {
		errs = append(errs, a.coord.Close())
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.escs != nil {
		errs = append(errs, a.escs.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Log("[cli] shutdown: %v", err)
	}
	a.logger.Close()
}

// engineConfig maps the engine section onto orchestrator limits.
func engineConfig(cfg *config.Config) orchestrator.Config {
	c := orchestrator.DefaultConfig()
	c.MaxEscalations = cfg.Engine.MaxEscalations
	c.Timeout = cfg.Engine.Timeout
	c.RetryLimit = cfg.Engine.RetryLimit
	c.BackoffBase = cfg.Engine.BackoffBase
	c.BackoffMax = cfg.Engine.BackoffMax
	c.MaxParallel = cfg.Engine.MaxParallel
	c.RequireReview = cfg.Engine.RequireReview
	c.CheckpointRetention = cfg.Engine.CheckpointRetention
	c.EscalationTimeout = cfg.Engine.EscalationTimeout
	c.HookTimeout = cfg.Engine.HookTimeout
	return c
}

// decisionConfig maps the decision section onto decision engine settings.
func decisionConfig(cfg *config.Config) decision.Config {
	return decision.Config{
		Threshold:         cfg.Decision.Threshold,
		Temperature:       cfg.Decision.Temperature,
		ConfidenceFloor:   cfg.Decision.ConfidenceFloor,
		ConfidenceCeiling: cfg.Decision.ConfidenceCeiling,
		MinKeywordOverlap: cfg.Decision.MinKeywordOverlap,
	}
}

// buildDecider loads the knowledge base and, when credentials exist, the
// generative backend. A missing API key only disables generation.
func buildDecider(cfg *config.Config, logger *logging.Logger) (*decision.Engine, error) {
	opts := []decision.Option{decision.WithLogger(logger)}

	if dir := cfg.Decision.KnowledgeDir; dir != "" {
		kb, err := decision.LoadKnowledgeBase(dir, cfg.Decision.MinKeywordOverlap)
		if err != nil {
			return nil, fmt.Errorf("load knowledge base: %w", err)
		}
		logger.Log("[cli] knowledge base %s: %d entries", dir, kb.Len())
		opts = append(opts, decision.WithKnowledgeBase(kb))
	}

	if src := config.GetAPIKeySource(cfg); src != config.KeySourceNone {
		key, _ := config.GetAPIKey(cfg)
		if src != config.KeySourceBedrock {
			if err := config.ValidateAPIKey(key); err != nil {
				logger.Log("[cli] API key from %s: %v", src, err)
			}
		}
		gen, err := llm.New(llm.Config{
			Model:      cfg.Anthropic.Model,
			MaxTokens:  cfg.Anthropic.MaxTokens,
			APIKey:     key,
			UseBedrock: cfg.Anthropic.UseBedrock,
			AWSRegion:  cfg.Anthropic.AWSRegion,
			AWSProfile: cfg.Anthropic.AWSProfile,
		})
		if err != nil {
			return nil, fmt.Errorf("create generator: %w", err)
		}
		opts = append(opts, decision.WithGenerator(gen))
	} else {
		logger.Log("[cli] no Anthropic credentials; generative reasoning disabled")
	}

	return decision.New(decisionConfig(cfg), opts...), nil
}

func buildWorkspaces(cfg *config.Config) workspace.Manager {
	if cfg.Workspace.GitWorktree {
		repo := cfg.Workspace.RepoPath
		if repo == "" {
			repo, _ = os.Getwd()
		}
		return workspace.NewWorktreeManager(git.NewRunner(repo), cfg.WorkspaceDir())
	}
	return workspace.NewDirManager(cfg.WorkspaceDir())
}
