package core

import "context"

// toolContextKey namespaces the values the turn loop attaches to a tool
// call's context before dispatch, so layers below the ToolExecutor
// interface (which carries no room for extra parameters) can still learn
// which interaction and tool call they're running inside.
type toolContextKey string

const (
	interactionIDKey toolContextKey = "interactionID"
	toolCallIDKey    toolContextKey = "toolCallID"
)

// WithToolCallContext attaches the current turn's interaction ID and the
// tool call's own ID to ctx. The loop calls this once per tool dispatch;
// engine/tools reads the values (via InteractionIDFromContext /
// ToolCallIDFromContext) and passes them to engine/vfs's Snapshotter
// (SetSnapshotContext) to group snapshots for Changelog restore.
func WithToolCallContext(ctx context.Context, interactionID, toolCallID string) context.Context {
	ctx = context.WithValue(ctx, interactionIDKey, interactionID)
	ctx = context.WithValue(ctx, toolCallIDKey, toolCallID)
	return ctx
}

// InteractionIDFromContext returns the interaction ID attached by
// WithToolCallContext, or "" if none was attached.
func InteractionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(interactionIDKey).(string)
	return v
}

// ToolCallIDFromContext returns the tool call ID attached by
// WithToolCallContext, or "" if none was attached.
func ToolCallIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(toolCallIDKey).(string)
	return v
}
