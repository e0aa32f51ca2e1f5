// Package tools implements the fixed symbolic tool set the core loop
// dispatches against: shell, read_file, write_file, str_replace,
// todo_read, todo_write, final_output. Each tool takes a canonicalized
// argument map (alias resolution happens one layer up, in
// core/dispatcher) and returns a result string or an error.
package tools

import (
	"bytes"
	"context"
	"cosmos/core"
	"cosmos/core/provider"
	"cosmos/engine/vfs"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Tools holds the workspace-scoped state the symbolic tools need: the
// directory shell/file operations are rooted at, the snapshotter that
// captures pre-write file content, and the TODO file's resolved location.
type Tools struct {
	WorkspaceRoot string
	Snapshotter   *vfs.Snapshotter
	Todo          *TodoStore
}

// New returns a Tools dispatcher rooted at workspaceRoot. snap may be nil
// (snapshotting disabled); todo must not be nil.
func New(workspaceRoot string, snap *vfs.Snapshotter, todo *TodoStore) *Tools {
	return &Tools{WorkspaceRoot: workspaceRoot, Snapshotter: snap, Todo: todo}
}

// Execute runs the named tool against already-canonicalized args. name
// must be one of the seven symbolic tool names; any other value is an
// error, not a silent no-op, so a misrouted call surfaces immediately.
func (t *Tools) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "shell":
		return t.shell(ctx, args)
	case "read_file":
		return t.readFile(args)
	case "write_file":
		return t.writeFile(ctx, args)
	case "str_replace":
		return t.strReplace(ctx, args)
	case "todo_read":
		return t.Todo.Read()
	case "todo_write":
		return t.Todo.Write(args)
	case "final_output":
		return finalOutput(args)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// resolvePath joins a tool-supplied path against WorkspaceRoot unless it
// is already absolute.
func (t *Tools) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(t.WorkspaceRoot, path)
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (t *Tools) shell(ctx context.Context, args map[string]any) (string, error) {
	command, ok := stringArg(args, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("shell: missing required argument %q", "command")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = t.WorkspaceRoot

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command failed: %w\noutput:\n%s", err, out.String())
	}
	if out.Len() == 0 {
		return "(no output)", nil
	}
	return out.String(), nil
}

func (t *Tools) readFile(args map[string]any) (string, error) {
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return "", fmt.Errorf("read_file: missing required argument %q", "path")
	}

	data, err := os.ReadFile(t.resolvePath(path))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)

	start, hasStart := intArg(args, "start")
	end, hasEnd := intArg(args, "end")
	if !hasStart && !hasEnd {
		return content, nil
	}

	runes := []rune(content)
	if !hasStart {
		start = 0
	}
	if !hasEnd || end > len(runes) {
		end = len(runes)
	}
	if start < 0 || start > end {
		return "", fmt.Errorf("read_file: invalid range [%d:%d) for %d-character file", start, end, len(runes))
	}
	return string(runes[start:end]), nil
}

func (t *Tools) writeFile(ctx context.Context, args map[string]any) (string, error) {
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return "", fmt.Errorf("write_file: missing required argument %q", "path")
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return "", fmt.Errorf("write_file: missing required argument %q", "content")
	}

	full := t.resolvePath(path)
	if t.Snapshotter != nil {
		t.Snapshotter.SetSnapshotContext(core.InteractionIDFromContext(ctx), core.ToolCallIDFromContext(ctx))
		if _, err := t.Snapshotter.Snapshot(full, "write", "write_file"); err != nil {
			return "", fmt.Errorf("snapshot before write: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create parent directories for %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

func (t *Tools) strReplace(ctx context.Context, args map[string]any) (string, error) {
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return "", fmt.Errorf("str_replace: missing required argument %q", "path")
	}
	oldStr, ok := stringArg(args, "old_str")
	if !ok {
		oldStr, ok = stringArg(args, "old")
	}
	if !ok {
		return "", fmt.Errorf("str_replace: missing required argument %q", "old_str")
	}
	newStr, ok := stringArg(args, "new_str")
	if !ok {
		newStr, _ = stringArg(args, "new")
	}

	full := t.resolvePath(path)
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return "", fmt.Errorf("str_replace: no occurrence of the given text found in %s", path)
	}
	if count > 1 {
		return "", fmt.Errorf("str_replace: text occurs %d times in %s; it must be unique", count, path)
	}

	if t.Snapshotter != nil {
		t.Snapshotter.SetSnapshotContext(core.InteractionIDFromContext(ctx), core.ToolCallIDFromContext(ctx))
		if _, err := t.Snapshotter.Snapshot(full, "write", "str_replace"); err != nil {
			return "", fmt.Errorf("snapshot before replace: %w", err)
		}
	}

	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(full, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("Replaced 1 occurrence in %s", path), nil
}

func finalOutput(args map[string]any) (string, error) {
	summary, ok := stringArg(args, "summary")
	if !ok || strings.TrimSpace(summary) == "" {
		return "", fmt.Errorf("final_output: missing required argument %q", "summary")
	}
	return summary, nil
}

// Definitions returns the provider.ToolDefinition set for all seven
// symbolic tools, for providers that support native tool calling.
func Definitions() []provider.ToolDefinition {
	return []provider.ToolDefinition{
		{
			Name:        "shell",
			Description: "Run a shell command in the workspace directory and return its combined stdout/stderr.",
			InputSchema: objSchema(map[string]any{
				"command": strProp("The shell command to execute."),
			}, "command"),
		},
		{
			Name:        "read_file",
			Description: "Read a file's contents, optionally restricted to a character range.",
			InputSchema: objSchema(map[string]any{
				"path":  strProp("Path to the file, relative to the workspace."),
				"start": intProp("Optional inclusive start character offset."),
				"end":   intProp("Optional exclusive end character offset."),
			}, "path"),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file, creating or overwriting it.",
			InputSchema: objSchema(map[string]any{
				"path":    strProp("Path to the file, relative to the workspace."),
				"content": strProp("Full content to write."),
			}, "path", "content"),
		},
		{
			Name:        "str_replace",
			Description: "Replace a single unique occurrence of old_str with new_str in a file.",
			InputSchema: objSchema(map[string]any{
				"path":    strProp("Path to the file, relative to the workspace."),
				"old_str": strProp("Exact text to replace; must occur exactly once."),
				"new_str": strProp("Replacement text."),
			}, "path", "old_str"),
		},
		{
			Name:        "todo_read",
			Description: "Read the current TODO list.",
			InputSchema: objSchema(nil),
		},
		{
			Name:        "todo_write",
			Description: "Replace the TODO list with a new set of items.",
			InputSchema: objSchema(map[string]any{
				"content": strProp("Full markdown TODO list body (- [ ] / - [x] items)."),
			}, "content"),
		},
		{
			Name:        "final_output",
			Description: "Signal the turn is complete and deliver the final summary to the user.",
			InputSchema: objSchema(map[string]any{
				"summary": strProp("Final summary of what was accomplished."),
			}, "summary"),
		},
	}
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func objSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object"}
	if props != nil {
		schema["properties"] = props
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
