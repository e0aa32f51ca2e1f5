package thinning

import (
	"cosmos/core/provider"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestApplyThinsOversizedToolResult(t *testing.T) {
	dir := t.TempDir()
	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: "system"},
		{Role: provider.RoleUser, Content: "Tool result: " + strings.Repeat("x", 600)},
		{Role: provider.RoleUser, Content: "small"},
	}

	out, result := Apply(messages, All, dir, 42)

	if !strings.HasPrefix(out[1].Content, "Tool result saved to ") {
		t.Errorf("expected tool result rewritten to file reference, got %q", out[1].Content)
	}
	if result.CharsSaved <= 0 {
		t.Errorf("expected positive chars saved, got %d", result.CharsSaved)
	}
	if messages[1].Content == out[1].Content {
		t.Error("expected Apply to not mutate the input slice's messages")
	}
}

func TestApplySkipsSmallToolResults(t *testing.T) {
	dir := t.TempDir()
	messages := []provider.Message{
		{Role: provider.RoleUser, Content: "Tool result: small payload"},
	}

	out, result := Apply(messages, All, dir, 10)

	if out[0].Content != messages[0].Content {
		t.Error("expected small tool result to be left untouched")
	}
	if result.CharsSaved != 0 {
		t.Errorf("expected 0 chars saved, got %d", result.CharsSaved)
	}
}

func TestApplySkipsTodoToolResults(t *testing.T) {
	dir := t.TempDir()
	messages := []provider.Message{
		{Role: provider.RoleAssistant, Content: `{"tool":"todo_read","args":{}}`},
		{Role: provider.RoleUser, Content: "Tool result: " + strings.Repeat("x", 600)},
	}

	out, result := Apply(messages, All, dir, 10)

	if out[1].Content != messages[1].Content {
		t.Error("expected a todo_read result to never be thinned")
	}
	if result.CharsSaved != 0 {
		t.Errorf("expected 0 chars saved, got %d", result.CharsSaved)
	}
}

func TestApplyFirstThirdOnlyCoversOldestMessages(t *testing.T) {
	dir := t.TempDir()
	var messages []provider.Message
	for i := 0; i < 9; i++ {
		messages = append(messages, provider.Message{
			Role:    provider.RoleUser,
			Content: "Tool result: " + strings.Repeat("x", 600),
		})
	}

	out, result := Apply(messages, FirstThird, dir, 50)

	thinnedCount := 0
	for _, m := range out {
		if strings.HasPrefix(m.Content, "Tool result saved to ") {
			thinnedCount++
		}
	}
	if thinnedCount != 3 {
		t.Errorf("expected exactly 3 (first third of 9) messages thinned, got %d", thinnedCount)
	}
	if result.CharsSaved <= 0 {
		t.Errorf("expected positive chars saved, got %d", result.CharsSaved)
	}
}

func TestApplyThinsWriteFileToolCallContent(t *testing.T) {
	dir := t.TempDir()
	bigContent := strings.Repeat("z", 600)
	messages := []provider.Message{
		{Role: provider.RoleAssistant, Content: `{"tool":"write_file","args":{"path":"a.go","content":"` + bigContent + `"}}`},
	}

	out, result := Apply(messages, All, dir, 60)

	if strings.Contains(out[0].Content, bigContent) {
		t.Error("expected large write_file content to be rewritten to a file reference")
	}
	if !strings.Contains(out[0].Content, "content saved to") {
		t.Errorf("expected rewritten content field, got %q", out[0].Content)
	}
	if result.CharsSaved <= 0 {
		t.Errorf("expected positive chars saved, got %d", result.CharsSaved)
	}
}

func TestApplyThinsStrReplaceDiff(t *testing.T) {
	dir := t.TempDir()
	bigDiff := strings.Repeat(`-old\n+new\n`, 100)
	messages := []provider.Message{
		{Role: provider.RoleAssistant, Content: `{"tool":"str_replace","args":{"path":"a.go","diff":"` + bigDiff + `"}}`},
	}

	out, _ := Apply(messages, All, dir, 60)

	if !strings.Contains(out[0].Content, "diff saved to") {
		t.Errorf("expected rewritten diff field, got %q", out[0].Content)
	}
}

func TestFindJSONEndBalancesNestedBraces(t *testing.T) {
	end, ok := findJSONEnd(`{"a":{"b":1}} trailing`)
	if !ok {
		t.Fatal("expected balanced object to be found")
	}
	if end != len(`{"a":{"b":1}}`)-1 {
		t.Errorf("expected end at closing outer brace, got %d", end)
	}
}

func TestResolveThinnedDirCreatesSessionSubdir(t *testing.T) {
	base := t.TempDir()
	dir, err := ResolveThinnedDir(base, FirstThird)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info, statErr := os.Stat(dir)
	if statErr != nil || !info.IsDir() {
		t.Fatalf("expected thinned directory to exist at %s", dir)
	}
}

func TestScopeLabelsDiffer(t *testing.T) {
	if FirstThird.Label() == All.Label() {
		t.Error("expected FirstThird and All to have distinct labels")
	}
	if FirstThird.FilePrefix() == All.FilePrefix() {
		t.Error("expected FirstThird and All to have distinct file prefixes")
	}
}

func TestApplyUsesInjectedClockForFilenames(t *testing.T) {
	old := clock
	defer func() { clock = old }()

	fixed := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	clock = func() time.Time { return fixed }

	dir := t.TempDir()
	messages := []provider.Message{
		{Role: provider.RoleUser, Content: "Tool result: " + strings.Repeat("x", 600)},
	}

	out, _ := Apply(messages, All, dir, 10)

	wantSuffix := fmt.Sprintf("skinny_tool_result_%d_0.txt", fixed.Unix())
	if !strings.Contains(out[0].Content, wantSuffix) {
		t.Errorf("expected filename to use injected clock timestamp %d, got %q", fixed.Unix(), out[0].Content)
	}
}
