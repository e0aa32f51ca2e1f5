package app

import (
	"context"
	"cosmos/config"
	"cosmos/core"
	"cosmos/core/dispatcher"
	"cosmos/core/provider"
	"cosmos/engine/maintenance"
	"cosmos/engine/policy"
	"cosmos/engine/tools"
	"cosmos/engine/vfs"
	"cosmos/providers/bedrock"
	"cosmos/ui"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

// Bootstrap creates and wires all application dependencies.
// Each phase is separate for testability.
func Bootstrap(ctx context.Context) (*Application, error) {
	// 1. Load configuration
	cfg, warnings, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "cosmos: warning: %s\n", w)
	}

	// 1.5. Clean up old session data
	cleanupOpts := maintenance.CleanupOptions{
		CosmosDir:   ".cosmos",
		SessionsDir: cfg.SessionsDir,
		MaxAge:      30 * 24 * time.Hour,
		DryRun:      false,
	}
	cleanupResult, err := maintenance.CleanupSessionData(cleanupOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: session cleanup failed: %v\n", err)
	} else if len(cleanupResult.Errors) > 0 {
		for _, e := range cleanupResult.Errors {
			fmt.Fprintf(os.Stderr, "cosmos: warning: cleanup: %s\n", e)
		}
	} else if cleanupResult.DeletedAuditFiles > 0 || cleanupResult.DeletedSnapshotDirs > 0 || cleanupResult.DeletedSessionFiles > 0 || cleanupResult.DeletedThinningDirs > 0 {
		// Only log if something was actually deleted (reduce noise)
		totalDeleted := cleanupResult.DeletedAuditFiles + cleanupResult.DeletedSnapshotDirs + cleanupResult.DeletedSessionFiles + cleanupResult.DeletedThinningDirs
		fmt.Fprintf(os.Stderr, "cosmos: cleaned up old session data: %d files\n", totalDeleted)
	}

	// 2. Initialize currency formatter
	currencyFormatter, err := setupCurrencyFormatter(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: currency setup failed: %v\n", err)
		currencyFormatter = core.DefaultCurrencyFormatter()
	}

	// 3. Initialize LLM provider
	llmProvider, err := setupProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing provider: %w", err)
	}

	// 4. Set up UI and notifier
	scaffold := ui.NewScaffold()
	notifier := scaffold.GetNotifier()

	// 5. Create pricing tracker with UI callbacks
	tracker := setupTracker(notifier, currencyFormatter)

	// 6. Create core session (dispatcher, tools, adapter, snapshotter)
	sr, err := setupSession(ctx, cfg, llmProvider, tracker, notifier)
	if err != nil {
		return nil, fmt.Errorf("initializing session: %w", err)
	}

	// Build restore function for Changelog UI.
	var restoreFunc ui.RestoreFunc
	if sr.snapshotter != nil {
		snap := sr.snapshotter
		restoreFunc = func(interactionID string) tea.Cmd {
			return func() tea.Msg {
				paths, err := snap.RestoreInteraction(interactionID)
				if err != nil {
					return ui.ChangelogRestoreResultMsg{
						InteractionID: interactionID,
						Success:       false,
						Message:       err.Error(),
					}
				}
				return ui.ChangelogRestoreResultMsg{
					InteractionID: interactionID,
					Success:       true,
					Message:       fmt.Sprintf("Restored %d file(s)", len(paths)),
				}
			}
		}
	}

	// 7. Configure UI pages
	if err := configureUI(scaffold, sr.session, sr.tools, cfg.DefaultModel, cfg.ThinkingBudgetTokens, restoreFunc); err != nil {
		return nil, fmt.Errorf("configuring UI: %w", err)
	}

	// 8. Create Bubble Tea program
	program := setupProgram(scaffold, notifier, sr.session)

	return &Application{
		Config:            cfg,
		Session:           sr.session,
		Scaffold:          scaffold,
		Program:           program,
		CurrencyFormatter: currencyFormatter,
		Tracker:           tracker,
	}, nil
}

// loadConfig loads configuration from disk and ensures directories exist.
func loadConfig() (config.Config, []string, error) {
	cfg, warnings, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, warnings, nil
}

// setupCurrencyFormatter initializes currency conversion if needed.
// Makes up to 3 attempts, waiting 1s, 2s and 4s after each failed one (the
// 4s wait follows the last attempt), before returning an error that
// triggers fallback to USD.
func setupCurrencyFormatter(ctx context.Context, cfg config.Config) (*core.CurrencyFormatter, error) {
	if cfg.Currency == "USD" {
		return core.DefaultCurrencyFormatter(), nil
	}

	engine := core.NewCurrencyEngine(&http.Client{})

	var lastErr error
	for attempt := range 3 {
		rate, err := engine.FetchRate(ctx, "USD", cfg.Currency)
		if err == nil {
			symbol := core.CurrencySymbol(cfg.Currency)
			return core.NewCurrencyFormatter(cfg.Currency, symbol, rate), nil
		}
		lastErr = err

		// Exponential backoff: 1s, 2s, 4s
		backoff := time.Duration(1<<attempt) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("currency fetch cancelled: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("currency fetch failed after 3 attempts: %w", lastErr)
}

// setupProvider initializes the LLM provider (currently Bedrock).
func setupProvider(ctx context.Context, cfg config.Config) (provider.Provider, error) {
	pricingCfg := provider.PricingConfig{
		Enabled:  cfg.PricingEnabled,
		CacheDir: cfg.PricingCacheDir,
		CacheTTL: cfg.PricingCacheTTL,
	}
	prov, err := bedrock.NewBedrock(ctx, cfg.AWSRegion, cfg.AWSProfile, pricingCfg)
	if err != nil {
		return nil, err
	}
	prov.SetMaxStreamOpenRetries(uint64(cfg.MaxRetryAttempts))
	return prov, nil
}

// setupTracker creates a pricing tracker with UI update callbacks.
func setupTracker(notifier *ui.Notifier, formatter *core.CurrencyFormatter) *core.Tracker {
	return core.NewTracker(
		func(snap core.CostSnapshot) {
			notifier.Send(ui.StatusItemUpdateMsg{
				Key:   "tokens",
				Value: snap.FormatTokens(),
			})
			notifier.Send(ui.StatusItemUpdateMsg{
				Key:   "cost",
				Value: snap.FormatCost(),
			})
			notifier.Send(pricingSnapshotFromCost(snap))
		},
		formatter,
	)
}

// pricingSnapshotFromCost aggregates a CostSnapshot across every tracked
// model into the single breakdown the pricing modal displays. Multiple
// models in one session (e.g. after a /model switch) are summed together
// under a joined name rather than only showing the first one.
func pricingSnapshotFromCost(snap core.CostSnapshot) ui.PricingSnapshotMsg {
	msg := ui.PricingSnapshotMsg{TotalCost: snap.TotalCost}
	var names []string
	for _, m := range snap.Models {
		names = append(names, ui.FormatModelName(m.ModelID))
		msg.InputTokens += int64(m.InputTokens)
		msg.OutputTokens += int64(m.OutputTokens)
		msg.InputCost += float64(m.InputTokens) * m.InputCostPer1M / 1_000_000
		msg.OutputCost += float64(m.OutputTokens) * m.OutputCostPer1M / 1_000_000
	}
	switch len(names) {
	case 0:
		msg.ModelName = "(no usage yet)"
	case 1:
		msg.ModelName = names[0]
	default:
		msg.ModelName = strings.Join(names, ", ")
	}
	for _, src := range snap.TopSources(5) {
		msg.TopSources = append(msg.TopSources, ui.PricingSource{
			Name: string(src.Source),
			Cost: src.Cost,
		})
	}
	return msg
}

// setupSessionResult contains everything produced by setupSession.
type setupSessionResult struct {
	session     *core.Session
	tools       []provider.ToolDefinition
	snapshotter *vfs.Snapshotter
}

// setupSession creates the core session with its tool dispatcher, policy
// evaluator, audit logger, and VFS snapshotter.
func setupSession(
	_ context.Context,
	cfg config.Config,
	llmProvider provider.Provider,
	tracker *core.Tracker,
	notifier *ui.Notifier,
) (*setupSessionResult, error) {
	adapter := &coreNotifierAdapter{ui: notifier}

	sessionID := uuid.New().String()
	cosmosDir := ".cosmos" // Project-local directory

	auditLogger, err := policy.NewAuditLogger(sessionID, cosmosDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: audit logger init failed: %v\n", err)
		auditLogger = nil
	}

	// Note: if policy.json doesn't exist, the evaluator still succeeds with
	// empty overrides. If it exists but is malformed, that's a fatal error.
	policyPath := filepath.Join(cosmosDir, "policy.json")
	evaluator, err := policy.NewEvaluator(policyPath)
	if err != nil {
		return nil, fmt.Errorf("policy evaluator init failed: %w", err)
	}

	snapshotter, err := vfs.NewSnapshotter(cosmosDir, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: snapshotter init failed: %v\n", err)
		snapshotter = nil
	}

	todoStore := tools.NewTodoStore(cfg.WorkspacePath, cfg.TodoPath, cfg.TodoMaxChars)
	toolRunner := tools.New(cfg.WorkspacePath, snapshotter, todoStore)

	permissionTimeout := time.Duration(cfg.PermissionTimeout) * time.Second
	disp := dispatcher.New(toolRunner, evaluator, auditLogger, adapter, "default", permissionTimeout)

	session := core.NewSession(
		sessionID,
		llmProvider,
		tracker,
		adapter,
		cfg.DefaultModel,
		"You are a helpful coding assistant with access to tools.",
		4096, // MaxTokens
		disp,
		toolRunner.Definitions(),
		auditLogger,
	)
	session.SetSessionsDir(cfg.SessionsDir)
	session.SetTodoReader(todoStore.Read)
	session.SetMaxIterations(cfg.MaxIterations)
	session.SetMaxAutoSummaryAttempts(cfg.MaxAutoSummaryAttempts)
	session.SetThinkingBudget(cfg.ThinkingBudgetTokens)

	return &setupSessionResult{
		session:     session,
		tools:       toolRunner.Definitions(),
		snapshotter: snapshotter,
	}, nil
}

// configureUI sets up scaffold pages and status bar items.
func configureUI(scaffold *ui.Scaffold, session *core.Session, tools []provider.ToolDefinition, model string, thinkingBudget int, restoreFunc ui.RestoreFunc) error {
	// Get current directory for status bar
	currentDir, err := os.Getwd()
	if err != nil {
		currentDir = "unknown"
	} else {
		currentDir = filepath.Base(currentDir)
	}

	ui.ConfigureDefaultScaffold(scaffold, currentDir, model, thinkingBudget)

	// Convert core tools to UI tools
	uiTools := make([]ui.Tool, len(tools))
	for i, t := range tools {
		uiTools[i] = ui.Tool{Name: t.Name, Description: t.Description}
	}

	ui.AddDefaultPages(scaffold, session, uiTools, restoreFunc)
	return nil
}

// setupProgram creates the Bubble Tea program with correct screen mode.
func setupProgram(scaffold *ui.Scaffold, notifier *ui.Notifier, session *core.Session) *tea.Program {
	app := ui.NewApp(scaffold, ui.AppConfig{
		Placeholder:        "Type your message here...",
		CharLimit:          0, // unlimited
		CompletionProvider: session,
	})

	// IMPORTANT: DO NOT use tea.WithAltScreen()!
	// We intentionally run in the primary screen buffer (not alternate screen) so that:
	// 1. All output (splash, messages, responses) goes to stdout and persists in terminal history
	// 2. Users can scroll the terminal (iTerm, etc.) to see past messages, the welcome logo, etc.
	// 3. The chat history is preserved in the terminal's scrollback buffer
	// Using tea.WithAltScreen() would put the app in an isolated alternate screen buffer
	// with no scrollback history, blocking access to previous content.
	program := tea.NewProgram(app, tea.WithMouseCellMotion())
	notifier.SetProgram(program)

	return program
}
