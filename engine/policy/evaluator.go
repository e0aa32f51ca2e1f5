package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Effect is the evaluated outcome of a permission check.
type Effect int

const (
	EffectAllow        Effect = iota // Permission granted silently.
	EffectDeny                       // Permission blocked silently.
	EffectPromptOnce                 // Prompt user; remember decision per workspace.
	EffectPromptAlways                // Prompt user every time.
)

func (e Effect) String() string {
	switch e {
	case EffectAllow:
		return "allow"
	case EffectDeny:
		return "deny"
	case EffectPromptOnce:
		return "prompt_once"
	case EffectPromptAlways:
		return "prompt_always"
	default:
		return fmt.Sprintf("Effect(%d)", int(e))
	}
}

// DecisionSource identifies where a decision came from.
type DecisionSource int

const (
	SourceDefaultRule    DecisionSource = iota // Matched the built-in tool rule table.
	SourcePolicyOverride                       // Team override in policy.json.
	SourcePersistedGrant                       // User grant for a prompt_once decision.
	SourceDefaultDeny                          // No rule matched.
)

func (s DecisionSource) String() string {
	switch s {
	case SourceDefaultRule:
		return "default_rule"
	case SourcePolicyOverride:
		return "policy_override"
	case SourcePersistedGrant:
		return "persisted_grant"
	case SourceDefaultDeny:
		return "default_deny"
	default:
		return fmt.Sprintf("DecisionSource(%d)", int(s))
	}
}

// Rule is one entry in the built-in tool permission table. Tool is matched
// exactly; PathGlob, if non-empty, is matched against the request's Path
// with doublestar (so it may contain ** and *). A rule with an empty
// PathGlob matches any path for that tool.
type Rule struct {
	Tool     string
	PathGlob string
	Mode     Effect
}

// defaultRules is the fixed tool permission table. read_file and the TODO
// tools never touch anything outside the workspace's own bookkeeping, so
// they're silently allowed; shell is always prompted since its blast radius
// is unbounded; file-mutating tools are prompted once per path and then
// remembered.
var defaultRules = []Rule{
	{Tool: "read_file", Mode: EffectAllow},
	{Tool: "todo_read", Mode: EffectAllow},
	{Tool: "todo_write", Mode: EffectAllow},
	{Tool: "final_output", Mode: EffectAllow},
	{Tool: "shell", Mode: EffectPromptAlways},
	{Tool: "write_file", Mode: EffectPromptOnce},
	{Tool: "str_replace", Mode: EffectPromptOnce},
}

// Request is a single permission check: a tool name and, for file-scoped
// tools, the path it would act on.
type Request struct {
	Tool string
	Path string
}

// Decision is the result of evaluating a permission request.
type Decision struct {
	Effect      Effect
	MatchedRule *Rule // nil for default-deny
	Source      DecisionSource
}

// PolicyFile is the on-disk format of .cosmos/policy.json.
type PolicyFile struct {
	Version   int                            `json:"version"`
	Overrides map[string]map[string]PolicyEntry `json:"overrides"` // agentName -> requestKey -> entry
}

// PolicyEntry is a single override or persisted grant.
type PolicyEntry struct {
	Effect    string `json:"effect"`              // "allow" or "deny"
	Reason    string `json:"reason"`              // "override" or "user_grant"
	Timestamp string `json:"timestamp,omitempty"` // ISO 8601
}

const policyFileVersion = 1

// Evaluator checks permission requests against the built-in tool rule table
// and per-workspace policy overrides.
type Evaluator struct {
	homeDir    string
	mu         sync.Mutex
	policyPath string
	overrides  map[string]map[string]PolicyEntry
}

// NewEvaluator creates an evaluator that loads overrides from policyPath.
// A missing policy file is not an error — it means no overrides exist yet.
func NewEvaluator(policyPath string) (*Evaluator, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	e := &Evaluator{
		homeDir:    home,
		policyPath: policyPath,
		overrides:  make(map[string]map[string]PolicyEntry),
	}
	if err := e.LoadPolicy(); err != nil {
		return nil, err
	}
	return e, nil
}

// newEvaluatorForTest creates an evaluator with an explicit homeDir (for tests).
func newEvaluatorForTest(policyPath, homeDir string) *Evaluator {
	e := &Evaluator{
		homeDir:    homeDir,
		policyPath: policyPath,
		overrides:  make(map[string]map[string]PolicyEntry),
	}
	_ = e.LoadPolicy()
	return e
}

// LoadPolicy (re)loads the policy file from disk. Safe for concurrent use.
func (e *Evaluator) LoadPolicy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadPolicyLocked()
}

func (e *Evaluator) loadPolicyLocked() error {
	data, err := os.ReadFile(e.policyPath)
	if errors.Is(err, os.ErrNotExist) {
		e.overrides = make(map[string]map[string]PolicyEntry)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	var pf PolicyFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	if pf.Version != policyFileVersion {
		return fmt.Errorf("unsupported policy file version %d (expected %d)", pf.Version, policyFileVersion)
	}
	if pf.Overrides == nil {
		pf.Overrides = make(map[string]map[string]PolicyEntry)
	}
	if err := validatePolicyOverrides(pf.Overrides); err != nil {
		return err
	}
	e.overrides = pf.Overrides
	return nil
}

// Evaluate checks a permission request against policy overrides, persisted
// grants, and the built-in tool rule table, in that order.
func (e *Evaluator) Evaluate(agentName string, req Request) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := e.normalizeKey(req)

	if agentOverrides, ok := e.overrides[agentName]; ok {
		if entry, ok := agentOverrides[key]; ok && entry.Reason == "override" {
			return Decision{Effect: parseEntryEffect(entry.Effect), Source: SourcePolicyOverride}
		}
	}

	bestRule, bestTier := (*Rule)(nil), -1
	for i := range defaultRules {
		rule := &defaultRules[i]
		tier := e.matchRule(rule, req)
		if tier < 0 {
			continue
		}
		if bestRule == nil || tier > bestTier {
			bestRule, bestTier = rule, tier
		}
	}

	if bestRule == nil {
		return Decision{Effect: EffectDeny, Source: SourceDefaultDeny}
	}

	if bestRule.Mode == EffectPromptOnce {
		if agentOverrides, ok := e.overrides[agentName]; ok {
			if entry, ok := agentOverrides[key]; ok && entry.Reason == "user_grant" {
				return Decision{Effect: parseEntryEffect(entry.Effect), MatchedRule: bestRule, Source: SourcePersistedGrant}
			}
		}
	}

	return Decision{Effect: bestRule.Mode, MatchedRule: bestRule, Source: SourceDefaultRule}
}

// RecordOnceDecision persists a user's prompt_once decision to the policy
// file, keyed by the exact request that triggered the prompt.
func (e *Evaluator) RecordOnceDecision(agentName string, req Request, granted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	effect := "deny"
	if granted {
		effect = "allow"
	}

	if e.overrides[agentName] == nil {
		e.overrides[agentName] = make(map[string]PolicyEntry)
	}
	e.overrides[agentName][e.normalizeKey(req)] = PolicyEntry{
		Effect:    effect,
		Reason:    "user_grant",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	return e.writePolicyLocked()
}

// matchRule returns a tier (higher is more specific) if rule matches req, or
// -1 if it does not. A path-scoped rule outranks a path-agnostic one for the
// same tool.
func (e *Evaluator) matchRule(rule *Rule, req Request) int {
	if rule.Tool != req.Tool {
		return -1
	}
	if rule.PathGlob == "" {
		return 0
	}
	if req.Path == "" {
		return -1
	}
	target := filepath.Clean(expandTilde(req.Path, e.homeDir))
	matched, err := doublestar.Match(rule.PathGlob, target)
	if err != nil || !matched {
		return -1
	}
	return 1
}

// normalizeKey returns a canonical override-lookup key for a request,
// path-normalized (tilde expansion + filepath.Clean) so that semantically
// equivalent paths hit the same override.
func (e *Evaluator) normalizeKey(req Request) string {
	if req.Path == "" {
		return req.Tool
	}
	normalized := filepath.Clean(expandTilde(req.Path, e.homeDir))
	return req.Tool + ":" + normalized
}

func expandTilde(path, homeDir string) string {
	if homeDir == "" {
		return path
	}
	if path == "~" {
		return homeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

func parseEntryEffect(effect string) Effect {
	switch effect {
	case "allow":
		return EffectAllow
	case "deny":
		return EffectDeny
	default:
		return EffectDeny
	}
}

func validatePolicyOverrides(overrides map[string]map[string]PolicyEntry) error {
	for agentName, entries := range overrides {
		for permKey, entry := range entries {
			if !isValidPolicyEffect(entry.Effect) {
				return fmt.Errorf("invalid policy effect for agent %q permission %q: %q", agentName, permKey, entry.Effect)
			}
			if !isValidPolicyReason(entry.Reason) {
				return fmt.Errorf("invalid policy reason for agent %q permission %q: %q", agentName, permKey, entry.Reason)
			}
		}
	}
	return nil
}

func isValidPolicyEffect(effect string) bool {
	switch effect {
	case "allow", "deny":
		return true
	default:
		return false
	}
}

func isValidPolicyReason(reason string) bool {
	switch reason {
	case "override", "user_grant":
		return true
	default:
		return false
	}
}

func (e *Evaluator) writePolicyLocked() error {
	pf := PolicyFile{
		Version:   policyFileVersion,
		Overrides: e.overrides,
	}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy file: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(e.policyPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create policy directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".policy-*.tmp")
	if err != nil {
		return fmt.Errorf("create policy temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod policy temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write policy temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close policy temp file: %w", err)
	}
	if err := os.Rename(tmpPath, e.policyPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename policy file: %w", err)
	}
	return nil
}
