// Package thinning rewrites large tool results and tool-call arguments in a
// transcript to on-disk file references, trading conversation context for
// disk space when a session's usage crosses a 10-point band of its context
// window. Two passes exist: a "thin" pass over only the oldest third of the
// transcript, run automatically as usage climbs, and a "skinnify" pass over
// the entire transcript, run on demand regardless of the last thinning band.
package thinning

import (
	"cosmos/core/provider"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// clock supplies the timestamp used in thinned-file names. Tests override
// it to get deterministic, collision-free filenames under a fixed time.
var clock = time.Now

// toolResultContentThreshold is the minimum character length of a tool
// result's content before thinning bothers rewriting it to disk.
const toolResultContentThreshold = 500

// toolCallArgThreshold is the minimum character length of a write_file
// content or str_replace diff argument before thinning rewrites it.
const toolCallArgThreshold = 500

// Scope selects how much of the transcript a thinning pass rewrites.
type Scope int

const (
	// FirstThird rewrites only the oldest third of the transcript.
	FirstThird Scope = iota
	// All rewrites the entire transcript.
	All
)

// Label names the scope for user-facing result messages.
func (s Scope) Label() string {
	if s == All {
		return "skinnified"
	}
	return "thinned"
}

// Emoji matches the scope's result-message decoration.
func (s Scope) Emoji() string {
	if s == All {
		return "🦴"
	}
	return "🥒"
}

// FilePrefix names the on-disk prefix used for files this scope writes.
func (s Scope) FilePrefix() string {
	if s == All {
		return "skinny"
	}
	return "leaned"
}

// errorAction names the scope for error messages ("thinning"/"skinnifying").
func (s Scope) errorAction() string {
	if s == All {
		return "skinnifying"
	}
	return "thinning"
}

// toolCallJSON is the subset of an in-band tool call payload thinning cares
// about rewriting.
type toolCallJSON struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// Result summarizes the outcome of an Apply call.
type Result struct {
	Message    string
	CharsSaved int
}

// Apply rewrites messages[0:endIndex(scope)] in place (returning a new
// slice; the input is not mutated) and writes oversized tool results and
// tool-call arguments to files under dir. dir must already exist or be
// creatable; callers resolve it via ResolveThinnedDir. percentageUsed is
// only used for the result message's "at N%" text.
func Apply(messages []provider.Message, scope Scope, dir string, percentageUsed int) ([]provider.Message, Result) {
	out := make([]provider.Message, len(messages))
	copy(out, messages)

	endIndex := len(out)
	if scope == FirstThird {
		endIndex = len(out) / 3
		if endIndex < 1 {
			endIndex = 1
		}
		if endIndex > len(out) {
			endIndex = len(out)
		}
	}

	var toolResultCount, toolCallCount, charsSaved int
	prefix := scope.FilePrefix()

	for i := 0; i < endIndex; i++ {
		msg := out[i]

		if msg.Role == provider.RoleUser && strings.HasPrefix(msg.Content, "Tool result:") &&
			!isTodoToolResult(out, i) && len(msg.Content) > toolResultContentThreshold {
			if newContent, saved, ok := thinToolResult(msg.Content, i, dir, prefix); ok {
				out[i].Content = newContent
				toolResultCount++
				charsSaved += saved
			}
		}

		if msg.Role == provider.RoleAssistant {
			if newContent, saved, ok := thinToolCallArgs(msg.Content, i, dir, prefix); ok {
				out[i].Content = newContent
				toolCallCount++
				charsSaved += saved
			}
		}
	}

	return out, buildResult(scope, percentageUsed, toolResultCount, toolCallCount, charsSaved)
}

// isTodoToolResult reports whether the message preceding index i was an
// assistant tool call invoking todo_read or todo_write — results of those
// calls are never thinned, since the TODO list needs to stay legible.
func isTodoToolResult(messages []provider.Message, i int) bool {
	if i == 0 {
		return false
	}
	prev := messages[i-1]
	if prev.Role != provider.RoleAssistant {
		return false
	}
	return strings.Contains(prev.Content, `"tool":"todo_read"`) ||
		strings.Contains(prev.Content, `"tool":"todo_write"`) ||
		strings.Contains(prev.Content, `"tool": "todo_read"`) ||
		strings.Contains(prev.Content, `"tool": "todo_write"`)
}

// thinToolResult writes content to a file under dir and returns the
// replacement message text pointing at it.
func thinToolResult(content string, index int, dir, prefix string) (string, int, bool) {
	filename := fmt.Sprintf("%s_tool_result_%d_%d.txt", prefix, clock().Unix(), index)
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", 0, false
	}
	newContent := fmt.Sprintf("Tool result saved to %s", path)
	return newContent, len(content) - len(newContent), true
}

// thinToolCallArgs finds a tool-call JSON object embedded in an assistant
// message and, if it invokes write_file or str_replace with an oversized
// content/diff argument, rewrites that argument to a file reference and
// re-serializes the tool call back into the message.
func thinToolCallArgs(content string, index int, dir, prefix string) (string, int, bool) {
	start := findToolCallStart(content)
	if start < 0 {
		return "", 0, false
	}
	jsonPortion := content[start:]
	end, ok := findJSONEnd(jsonPortion)
	if !ok {
		return "", 0, false
	}
	jsonStr := jsonPortion[:end+1]

	var call toolCallJSON
	if err := json.Unmarshal([]byte(jsonStr), &call); err != nil {
		return "", 0, false
	}

	var saved int
	var ok2 bool
	switch call.Tool {
	case "write_file":
		saved, ok2 = thinArgField(call.Args, "content", index, dir, prefix, "write_file_content")
	case "str_replace":
		saved, ok2 = thinArgField(call.Args, "diff", index, dir, prefix, "str_replace_diff")
	}
	if !ok2 {
		return "", 0, false
	}

	rewritten, err := json.Marshal(call)
	if err != nil {
		return "", 0, false
	}
	newContent := content[:start] + string(rewritten) + content[start+end+1:]
	return newContent, saved, true
}

// thinArgField replaces args[field] with a file reference if its string
// value exceeds toolCallArgThreshold, writing the original value to a file
// named with label. It mutates args in place and reports chars saved.
func thinArgField(args map[string]interface{}, field string, index int, dir, prefix, label string) (int, bool) {
	raw, ok := args[field].(string)
	if !ok || len(raw) <= toolCallArgThreshold {
		return 0, false
	}
	filename := fmt.Sprintf("%s_%s_%d_%d.txt", prefix, label, clock().Unix(), index)
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		return 0, false
	}
	replacement := fmt.Sprintf("<%s saved to %s>", strings.ReplaceAll(label, "_", " "), path)
	args[field] = replacement
	return len(raw) - len(replacement), true
}

var toolCallOpenings = []string{`{"tool":`, `{ "tool":`, `{"tool" :`, `{ "tool" :`}

// findToolCallStart returns the index of the first recognized tool-call
// opening in content, or -1 if none is present.
func findToolCallStart(content string) int {
	best := -1
	for _, pattern := range toolCallOpenings {
		if idx := strings.Index(content, pattern); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// findJSONEnd scans jsonStr (which must begin with '{') for the index of
// the matching closing brace, tracking string/escape state.
func findJSONEnd(jsonStr string) (int, bool) {
	depth := 0
	inString := false
	escapeNext := false
	for i := 0; i < len(jsonStr); i++ {
		c := jsonStr[i]
		if escapeNext {
			escapeNext = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escapeNext = true
		case c == '"':
			inString = !inString
		case c == '{' && !inString:
			depth++
		case c == '}' && !inString:
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// ResolveThinnedDir returns the directory thinned content should be written
// to for a session, creating it if necessary. sessionDir is the session's
// own directory (e.g. <SessionsDir>/<id>, where SessionsDir defaults to
// <CosmosDir>/sessions); when empty, content
// falls back to a directory under the user's home, matching the behavior
// used when a session has not been persisted yet.
func ResolveThinnedDir(sessionDir string, scope Scope) (string, error) {
	var dir string
	if sessionDir != "" {
		dir = filepath.Join(sessionDir, "thinned")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("⚠️  Context %s failed: could not resolve fallback directory", scope.errorAction())
		}
		dir = filepath.Join(home, "tmp")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("⚠️  Context %s failed: could not create thinned directory", scope.errorAction())
	}
	return dir, nil
}

// buildResult formats the user-facing summary of a thinning pass.
func buildResult(scope Scope, percentageUsed, toolResultCount, toolCallCount, charsSaved int) Result {
	emoji := scope.Emoji()
	label := scope.Label()
	scopeDesc := ""
	if scope == All {
		scopeDesc = " across entire history"
	}

	switch {
	case toolResultCount > 0 && toolCallCount > 0:
		return Result{
			Message: fmt.Sprintf("%s Context %s at %d%%: %d tool results + %d tool calls%s, ~%d chars saved",
				emoji, label, percentageUsed, toolResultCount, toolCallCount, scopeDesc, charsSaved),
			CharsSaved: charsSaved,
		}
	case toolResultCount > 0:
		return Result{
			Message: fmt.Sprintf("%s Context %s at %d%%: %d tool results%s, ~%d chars saved",
				emoji, label, percentageUsed, toolResultCount, scopeDesc, charsSaved),
			CharsSaved: charsSaved,
		}
	case toolCallCount > 0:
		return Result{
			Message: fmt.Sprintf("%s Context %s at %d%%: %d tool calls%s, ~%d chars saved",
				emoji, label, percentageUsed, toolCallCount, scopeDesc, charsSaved),
			CharsSaved: charsSaved,
		}
	default:
		return Result{
			Message: fmt.Sprintf("%s Context %s at %d%%: nothing large enough to save%s",
				emoji, label, percentageUsed, scopeDesc),
			CharsSaved: 0,
		}
	}
}
