// Package dispatcher implements the uniform tool-call entry point the
// turn loop dispatches against: argument alias resolution, permission
// evaluation (with an optional user prompt round-trip), wall-clock timing,
// an 8-minute execution timeout, audit logging, and translation of any
// failure into a "❌ ..."-prefixed result string rather than a Go error.
package dispatcher

import (
	"context"
	"cosmos/core"
	"cosmos/engine/policy"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// toolExecutionTimeout is the wall-clock ceiling on a single tool
// invocation.
const toolExecutionTimeout = 8 * time.Minute

// defaultPermissionTimeout is used when the caller doesn't configure one.
const defaultPermissionTimeout = 30 * time.Second

// Runner is the underlying tool implementation the dispatcher routes to,
// after argument normalization. engine/tools.Tools satisfies this.
type Runner interface {
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// Dispatcher wraps a Runner with the cross-cutting concerns every tool
// call needs: alias resolution, permission checks, timing, and audit
// logging. It implements core.ToolExecutor.
type Dispatcher struct {
	runner    Runner
	evaluator *policy.Evaluator // nil disables permission checks (allow-all)
	audit     *policy.AuditLogger // nil disables audit logging
	notifier  core.Notifier       // nil disables the permission-prompt round trip

	agentName         string
	permissionTimeout time.Duration
}

// New returns a Dispatcher. evaluator, audit, and notifier may be nil to
// disable the corresponding concern (useful for tests and for running
// without a UI attached).
func New(runner Runner, evaluator *policy.Evaluator, audit *policy.AuditLogger, notifier core.Notifier, agentName string, permissionTimeout time.Duration) *Dispatcher {
	if permissionTimeout <= 0 {
		permissionTimeout = defaultPermissionTimeout
	}
	return &Dispatcher{
		runner:            runner,
		evaluator:         evaluator,
		audit:             audit,
		notifier:          notifier,
		agentName:         agentName,
		permissionTimeout: permissionTimeout,
	}
}

// pathScopedTools names the symbolic tools whose permission check and
// audit entry are scoped to a specific filesystem path.
var pathScopedTools = map[string]bool{
	"write_file":  true,
	"str_replace": true,
}

// Execute normalizes args, checks permission, runs the tool under a
// bounded timeout, and returns a result string that is never a bare Go
// error — failures come back as "❌ ..." text so the turn loop can feed
// them straight back to the model. The only case Execute itself returns a
// non-nil error is the caller's context having already been canceled.
func (d *Dispatcher) Execute(ctx context.Context, name string, input map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	args := normalizeArgs(input)
	start := time.Now()

	req := policy.Request{Tool: name}
	if pathScopedTools[name] {
		if path, ok := args["path"].(string); ok {
			req.Path = path
		}
	}

	decision := policy.Decision{Effect: policy.EffectAllow}
	if d.evaluator != nil {
		decision = d.evaluator.Evaluate(d.agentName, req)
	}

	allowed, remember, auditDecision := d.resolvePermission(ctx, req, decision)
	if !allowed {
		d.logAudit(ctx, name, req, decision, auditDecision, args, "permission denied")
		return fmt.Sprintf("❌ Permission denied for %s", describeRequest(req)), nil
	}
	if remember && d.evaluator != nil {
		if err := d.evaluator.RecordOnceDecision(d.agentName, req, true); err != nil {
			log.Warn().Err(err).Str("tool", name).Msg("failed to persist permission grant")
		}
	}

	result, execErr := d.runWithTimeout(ctx, name, args)
	duration := time.Since(start)

	errText := ""
	if execErr != nil {
		errText = execErr.Error()
		result = fmt.Sprintf("❌ %s", execErr.Error())
	}
	d.logAudit(ctx, name, req, decision, auditDecision, args, errText)

	log.Debug().
		Str("tool", name).
		Dur("duration", duration).
		Bool("success", execErr == nil).
		Msg("tool executed")

	return result, nil
}

// runWithTimeout runs the underlying tool and enforces toolExecutionTimeout.
func (d *Dispatcher) runWithTimeout(ctx context.Context, name string, args map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, toolExecutionTimeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := d.runner.Execute(ctx, name, args)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return "", fmt.Errorf("Tool execution timed out after 8 minutes")
	}
}

// resolvePermission returns whether the call is allowed, whether the
// decision should be persisted, and the audit decision string. A
// PromptOnce/PromptAlways effect with no notifier attached (no UI to ask)
// fails closed.
func (d *Dispatcher) resolvePermission(ctx context.Context, req policy.Request, decision policy.Decision) (allowed, remember bool, auditDecision string) {
	switch decision.Effect {
	case policy.EffectAllow:
		return true, false, "allowed"
	case policy.EffectDeny:
		return false, false, "denied"
	}

	if d.notifier == nil {
		return false, false, "denied"
	}

	respChan := make(chan core.PermissionResponse, 1)
	evt := core.PermissionRequestEvent{
		ToolCallID:   uuid.NewString(),
		ToolName:     req.Tool,
		AgentName:    d.agentName,
		Permission:   describeRequest(req),
		Description:  fmt.Sprintf("%s wants to run %s", d.agentName, describeRequest(req)),
		Timeout:      d.permissionTimeout,
		DefaultAllow: false,
		ResponseChan: respChan,
	}
	d.notifier.Send(evt)

	select {
	case resp := <-respChan:
		if resp.Allowed {
			return true, resp.Remember, "user_approved"
		}
		return false, resp.Remember, "user_denied"
	case <-time.After(d.permissionTimeout):
		d.notifier.Send(core.PermissionTimeoutEvent{ToolCallID: evt.ToolCallID, Allowed: evt.DefaultAllow})
		if evt.DefaultAllow {
			return true, false, "user_approved"
		}
		return false, false, "user_denied"
	case <-ctx.Done():
		return false, false, "user_denied"
	}
}

func (d *Dispatcher) logAudit(ctx context.Context, tool string, req policy.Request, decision policy.Decision, auditDecision string, args map[string]any, errText string) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Log(policy.AuditEntry{
		Agent:         d.agentName,
		Tool:          tool,
		Permission:    describeRequest(req),
		Decision:      auditDecision,
		Source:        decision.Source.String(),
		Arguments:     args,
		ToolCallID:    core.ToolCallIDFromContext(ctx),
		InteractionID: core.InteractionIDFromContext(ctx),
		Error:         errText,
	}); err != nil {
		log.Warn().Err(err).Str("tool", tool).Msg("audit log write failed")
	}
}

func describeRequest(req policy.Request) string {
	if req.Path == "" {
		return req.Tool
	}
	return fmt.Sprintf("%s:%s", req.Tool, req.Path)
}

// normalizeArgs resolves the alias conventions the dispatcher must
// tolerate: file_path/path/filename/file for the path,
// content/text/data for the body. start/end pass through unchanged —
// they're already the canonical names. The input map is never mutated;
// a copy is returned.
func normalizeArgs(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	if v, ok := firstString(input, "file_path", "path", "filename", "file"); ok {
		out["path"] = v
	}
	if v, ok := firstString(input, "content", "text", "data"); ok {
		out["content"] = v
	}
	return out
}

func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}
