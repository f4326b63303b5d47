package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hylla/boardsync/internal/automation"
	"github.com/hylla/boardsync/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

// chatServer answers every chat completion with the given content and
// records the last request.
type chatServer struct {
	server  *httptest.Server
	content string
	last    chatRequest
}

func newChatServer(t *testing.T, content string) *chatServer {
	t.Helper()
	cs := &chatServer{content: content}
	cs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&cs.last); err != nil {
			t.Errorf("decode chat request: %v", err)
		}
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%s}}]}`,
			mustJSONString(t, cs.content))
	}))
	t.Cleanup(cs.server.Close)
	return cs
}

func mustJSONString(t *testing.T, s string) string {
	t.Helper()
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("encode content: %v", err)
	}
	return string(raw)
}

func newTestExecutor(t *testing.T, cs *chatServer) *Executor {
	t.Helper()
	exec, err := New(Options{APIKey: "test-key", BaseURL: cs.server.URL + "/v1", Model: "test-model"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return exec
}

func testInput(t *testing.T) automation.ExecutionInput {
	t.Helper()
	rule, err := domain.NewInstructionRule("r1", "w1", "Triage", "split big cards into tasks", domain.ActionModify, testNow)
	if err != nil {
		t.Fatalf("NewInstructionRule() error = %v", err)
	}
	card, err := domain.NewCard("c1", "w1", "col1", "Plan launch", 0, testNow)
	if err != nil {
		t.Fatalf("NewCard() error = %v", err)
	}
	card.Tasks = []domain.Task{{ID: "task1", Text: "draft", CreatedAt: testNow}}
	return automation.ExecutionInput{
		Rule:          rule,
		TriggerType:   domain.TriggerEvent,
		TriggerCardID: "c1",
		Cards:         []domain.Card{card},
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for missing api key")
	}
}

func TestExecuteParsesChangeSet(t *testing.T) {
	cs := newChatServer(t, `{
		"action": "modify",
		"modified_cards": [{"card_id": "c1", "add_tasks": ["review copy"], "set_properties": {"status": "triaged"}}],
		"skipped_card_ids": ["c9"]
	}`)
	exec := newTestExecutor(t, cs)

	result, err := exec.Execute(context.Background(), testInput(t))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Action != domain.ActionModify {
		t.Fatalf("action = %q", result.Action)
	}
	if len(result.Modified) != 1 || result.Modified[0].CardID != "c1" {
		t.Fatalf("modified cards lost: %+v", result.Modified)
	}
	if len(result.SkippedCardIDs) != 1 || result.SkippedCardIDs[0] != "c9" {
		t.Fatalf("skips lost: %+v", result.SkippedCardIDs)
	}

	if cs.last.Model != "test-model" {
		t.Fatalf("model = %q", cs.last.Model)
	}
	if cs.last.ResponseFormat.Type != "json_object" {
		t.Fatalf("response format = %q", cs.last.ResponseFormat.Type)
	}
	if len(cs.last.Messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(cs.last.Messages))
	}
	user := cs.last.Messages[1].Content
	if !strings.Contains(user, "split big cards into tasks") || !strings.Contains(user, "Plan launch") {
		t.Fatalf("prompt missing instruction or snapshot: %s", user)
	}
}

func TestExecuteStripsMarkdownFences(t *testing.T) {
	cs := newChatServer(t, "```json\n{\"action\":\"modify\",\"modified_cards\":[{\"card_id\":\"c1\",\"title\":\"Renamed\"}]}\n```")
	exec := newTestExecutor(t, cs)

	result, err := exec.Execute(context.Background(), testInput(t))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Modified) != 1 || result.Modified[0].Title != "Renamed" {
		t.Fatalf("fenced response not parsed: %+v", result)
	}
}

func TestExecuteDefaultsActionFromRule(t *testing.T) {
	cs := newChatServer(t, `{"modified_cards":[{"card_id":"c1","add_message":"looked at this"}]}`)
	exec := newTestExecutor(t, cs)

	result, err := exec.Execute(context.Background(), testInput(t))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Action != domain.ActionModify {
		t.Fatalf("missing action must fall back to the rule's: %q", result.Action)
	}
}

func TestExecuteRejectsNonJSON(t *testing.T) {
	cs := newChatServer(t, "I cannot help with that.")
	exec := newTestExecutor(t, cs)

	if _, err := exec.Execute(context.Background(), testInput(t)); err == nil {
		t.Fatal("prose responses must fail the execution")
	}
}

func TestExecuteHonorsTimeout(t *testing.T) {
	blocked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read and the
		// request context is canceled when the timed-out client disconnects.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer blocked.Close()
	exec, err := New(Options{APIKey: "test-key", BaseURL: blocked.URL + "/v1", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := exec.Execute(context.Background(), testInput(t)); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := stripFences(tt.in); got != tt.want {
			t.Fatalf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
