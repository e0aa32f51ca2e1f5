package core

import (
	"cosmos/core/provider"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SavedSession is the full serialized conversation saved to disk.
type SavedSession struct {
	Version     int                `json:"version"`     // always 1
	SessionID   string             `json:"sessionId"`
	Model       string             `json:"model"`
	WorkDir     string             `json:"workDir"`
	CreatedAt   time.Time          `json:"createdAt"`
	SavedAt     time.Time          `json:"savedAt"`
	Description string             `json:"description"` // first user msg, ≤100 chars
	History     []provider.Message `json:"history"`
	Usage       SavedUsage         `json:"usage"`

	// Status records how the session was in when this snapshot was taken:
	// "completed" (a turn finished cleanly), "error" (a turn returned an
	// error), "cancelled" (the run was interrupted mid-turn), or
	// "in_progress" for saves taken from outside the turn loop.
	Status string `json:"status"`
}

const (
	SessionStatusCompleted  = "completed"
	SessionStatusError      = "error"
	SessionStatusCanceled   = "cancelled"
	SessionStatusInProgress = "in_progress"
)

// SavedUsage holds token/cost totals for a saved session.
type SavedUsage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalCostUSD float64 `json:"totalCostUSD"`
}

// SessionInfo is a lightweight summary of a saved session (history not loaded).
type SessionInfo struct {
	Filename     string    `json:"filename"`
	Description  string    `json:"description"`
	Model        string    `json:"model"`
	SavedAt      time.Time `json:"savedAt"`
	MessageCount int       `json:"messageCount"`
}

// SaveSession persists a session to sessionsDir. Returns nil (no-op) if history
// holds nothing beyond system messages (the system prompt and project context).
// Uses atomic rename to prevent partial writes. status is recorded verbatim
// on the saved snapshot (see the SessionStatus* constants); callers save
// after every turn and on cancellation, not only at process exit, so a
// crash or kill mid-turn loses at most one turn's history.
func SaveSession(s *Session, tracker *Tracker, sessionsDir, workDir, status string) error {
	s.mu.Lock()
	history := append([]provider.Message{}, s.cw.Messages...)
	model := s.model
	sessionID := s.id
	createdAt := s.createdAt
	s.mu.Unlock()

	hasConversation := false
	for _, msg := range history {
		if msg.Role != provider.RoleSystem {
			hasConversation = true
			break
		}
	}
	if !hasConversation {
		return nil // Nothing to save
	}

	// Build description from first user message (≤100 runes)
	desc := ""
	for _, msg := range history {
		if msg.Role == provider.RoleUser && msg.Content != "" {
			desc = msg.Content
			if runes := []rune(desc); len(runes) > 100 {
				desc = string(runes[:97]) + "..."
			}
			break
		}
	}

	var usage SavedUsage
	if tracker != nil {
		snap := tracker.Snapshot()
		usage = SavedUsage{
			InputTokens:  snap.TotalInputTokens,
			OutputTokens: snap.TotalOutputTokens,
			TotalCostUSD: snap.TotalCost,
		}
	}

	saved := SavedSession{
		Version:     1,
		SessionID:   sessionID,
		Model:       model,
		WorkDir:     workDir,
		CreatedAt:   createdAt,
		SavedAt:     time.Now().UTC(),
		Description: desc,
		History:     history,
		Usage:       usage,
		Status:      status,
	}

	// Filename: <base(workDir)>-<timestamp>.json
	base := filepath.Base(workDir)
	if base == "" || base == "." {
		base = "cosmos"
	}
	timestamp := saved.SavedAt.Format("20060102T150405Z")
	filename := base + "-" + timestamp + ".json"

	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return fmt.Errorf("creating sessions dir: %w", err)
	}

	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	// Atomic write: write to .tmp then rename
	tmpPath := filepath.Join(sessionsDir, filename+".tmp")
	finalPath := filepath.Join(sessionsDir, filename)

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming session file: %w", err)
	}

	return nil
}

// ContinuationArtifact records the minimum state needed to resume a
// session after it ends: the final_output summary, the TODO snapshot at
// that point, the working directory, and context usage at completion. On
// resume, a usage below the summarization threshold means the full
// transcript can be replayed; at or above it, a fresh transcript should be
// seeded from the summary and TODO instead.
type ContinuationArtifact struct {
	SessionID      string    `json:"sessionId"`
	Summary        string    `json:"summary"`
	Todo           string    `json:"todo"`
	WorkDir        string    `json:"workDir"`
	SessionsDir    string    `json:"sessionsDir"`
	PercentageUsed float64   `json:"percentageUsed"`

	// PercentageAtDehydration is the context usage at the moment a stubbed
	// compaction last ran, or 0 if the transcript was never dehydrated with
	// a stub. It lets a resumed session judge how much was summarized away.
	PercentageAtDehydration float64   `json:"percentageAtDehydration"`
	SavedAt                 time.Time `json:"savedAt"`
}

// SaveContinuation writes a ContinuationArtifact to <dir>/continuation.json,
// using the same write-then-rename pattern as SaveSession.
func SaveContinuation(artifact ContinuationArtifact, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating continuation dir: %w", err)
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling continuation artifact: %w", err)
	}

	finalPath := filepath.Join(dir, "continuation.json")
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("writing continuation artifact: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming continuation artifact: %w", err)
	}
	return nil
}

// LoadContinuation reads a previously saved ContinuationArtifact from dir.
func LoadContinuation(dir string) (ContinuationArtifact, error) {
	data, err := os.ReadFile(filepath.Join(dir, "continuation.json"))
	if err != nil {
		return ContinuationArtifact{}, fmt.Errorf("reading continuation artifact: %w", err)
	}
	var artifact ContinuationArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return ContinuationArtifact{}, fmt.Errorf("parsing continuation artifact: %w", err)
	}
	return artifact, nil
}

// LoadSavedSession reads and parses a session file from sessionsDir.
// The filename must resolve to a path within sessionsDir (path traversal is rejected).
func LoadSavedSession(sessionsDir, filename string) (SavedSession, error) {
	path := filepath.Join(sessionsDir, filename)

	// Guard against path traversal (e.g. "../../etc/passwd")
	absPath, err := filepath.Abs(path)
	if err != nil {
		return SavedSession{}, fmt.Errorf("resolving session path: %w", err)
	}
	absDir, err := filepath.Abs(sessionsDir)
	if err != nil {
		return SavedSession{}, fmt.Errorf("resolving sessions dir: %w", err)
	}
	if !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
		return SavedSession{}, fmt.Errorf("invalid session filename: path escapes sessions directory")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return SavedSession{}, fmt.Errorf("reading session file: %w", err)
	}

	var sess SavedSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return SavedSession{}, fmt.Errorf("parsing session file: %w", err)
	}

	return sess, nil
}

// ListSavedSessions returns lightweight summaries of all saved sessions,
// sorted by save time (newest first). Returns nil if the directory does not exist.
func ListSavedSessions(sessionsDir string) ([]SessionInfo, error) {
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing sessions dir: %w", err)
	}

	var sessions []SessionInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		path := filepath.Join(sessionsDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // Skip unreadable files
		}

		var sess SavedSession
		if err := json.Unmarshal(data, &sess); err != nil {
			continue // Skip malformed files
		}

		sessions = append(sessions, SessionInfo{
			Filename:     name,
			Description:  sess.Description,
			Model:        sess.Model,
			SavedAt:      sess.SavedAt,
			MessageCount: len(sess.History),
		})
	}

	// Newest first
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].SavedAt.After(sessions[j].SavedAt)
	})

	return sessions, nil
}
