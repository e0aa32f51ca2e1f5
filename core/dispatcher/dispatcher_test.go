package dispatcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cosmos/engine/policy"
)

type fakeRunner struct {
	result string
	err    error
	delay  time.Duration
	gotArgs map[string]any
}

func (f *fakeRunner) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	f.gotArgs = args
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.result, f.err
}

func newTestEvaluator(t *testing.T) *policy.Evaluator {
	t.Helper()
	ev, err := policy.NewEvaluator(filepath.Join(t.TempDir(), "policy.json"))
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return ev
}

func TestExecuteAllowedToolReturnsResult(t *testing.T) {
	runner := &fakeRunner{result: "ok"}
	d := New(runner, newTestEvaluator(t), nil, nil, "agent", 0)

	out, err := d.Execute(context.Background(), "read_file", map[string]any{"path": "a.go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok" {
		t.Errorf("got %q", out)
	}
}

func TestExecuteToolErrorIsPrefixed(t *testing.T) {
	runner := &fakeRunner{err: errFixture("boom")}
	d := New(runner, newTestEvaluator(t), nil, nil, "agent", 0)

	out, err := d.Execute(context.Background(), "read_file", map[string]any{"path": "a.go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "❌ boom" {
		t.Errorf("got %q", out)
	}
}

func TestExecuteDeniedWithoutNotifierFailsClosed(t *testing.T) {
	runner := &fakeRunner{result: "should not run"}
	d := New(runner, newTestEvaluator(t), nil, nil, "agent", 0)

	out, err := d.Execute(context.Background(), "write_file", map[string]any{"path": "a.go", "content": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == "should not run" {
		t.Error("expected prompt-gated tool to be denied without a notifier")
	}
}

func TestExecuteAliasesPathAndContent(t *testing.T) {
	runner := &fakeRunner{result: "ok"}
	d := New(runner, newTestEvaluator(t), nil, nil, "agent", 0)

	_, err := d.Execute(context.Background(), "read_file", map[string]any{"file_path": "a.go", "text": "ignored"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.gotArgs["path"] != "a.go" {
		t.Errorf("expected file_path aliased to path, got %v", runner.gotArgs)
	}
	if runner.gotArgs["content"] != "ignored" {
		t.Errorf("expected text aliased to content, got %v", runner.gotArgs)
	}
}

func TestExecuteCanceledContextReturnsError(t *testing.T) {
	runner := &fakeRunner{result: "ok"}
	d := New(runner, newTestEvaluator(t), nil, nil, "agent", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Execute(ctx, "read_file", map[string]any{"path": "a.go"})
	if err == nil {
		t.Error("expected error for already-canceled context")
	}
}

type errFixture string

func (e errFixture) Error() string { return string(e) }
