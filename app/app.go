package app

import (
	"context"
	"cosmos/config"
	"cosmos/core"
	"cosmos/ui"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

// Application holds all wired dependencies and manages the application lifecycle.
type Application struct {
	Config            config.Config
	Session           *core.Session
	Scaffold          *ui.Scaffold
	Program           *tea.Program
	CurrencyFormatter *core.CurrencyFormatter
	Tracker           *core.Tracker
}

// Run starts the application and blocks until it exits.
// Returns an error if initialization or runtime fails.
func (a *Application) Run(ctx context.Context) error {
	// Derive a cancelable context so in-flight provider calls are interrupted on exit.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Save after every turn and on cancellation, not only at process exit —
	// a crash or kill mid-turn should lose at most the in-flight turn.
	a.Session.SetOnTurnComplete(func(status string) {
		workDir, _ := os.Getwd()
		if err := core.SaveSession(a.Session, a.Tracker, a.Config.SessionsDir, workDir, status); err != nil {
			fmt.Fprintf(os.Stderr, "cosmos: warning: session save failed: %v\n", err)
		}
	})

	// Start core session
	a.Session.Start(ctx)

	// Run Bubble Tea program (blocks until exit)
	_, runErr := a.Program.Run()

	// Stop the session loop first â€” guarantees the loop goroutine has fully
	// drained and no concurrent history mutations are in progress.
	cancel()
	a.Session.Stop()

	// Final snapshot in the clean-exit case (SetOnTurnComplete already
	// covers mid-session crashes and cancellations above).
	workDir, _ := os.Getwd()
	if err := core.SaveSession(a.Session, a.Tracker, a.Config.SessionsDir, workDir, core.SessionStatusCompleted); err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: session save failed: %v\n", err)
	}

	return runErr
}
