// Package llm executes instruction rules against an OpenAI-compatible chat
// endpoint. The model receives the instruction and a snapshot of the target
// cards and answers with a JSON change set the engine can apply.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hylla/boardsync/internal/automation"
)

const defaultModel = "gpt-4o-mini"

const systemPrompt = `You are an automation collaborator for a kanban board.
You receive an instruction and a snapshot of cards. Respond with a single
JSON object matching the schema in the user message. Do not wrap the JSON
in markdown fences. Never invent card ids; only reference ids from the
snapshot.`

// Options configures the executor.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Logger  *log.Logger
}

// Executor calls a chat completion endpoint and parses the change set.
type Executor struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *log.Logger
}

// New constructs a new value for this package.
func New(opts Options) (*Executor, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("llm api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if strings.TrimSpace(opts.BaseURL) != "" {
		cfg.BaseURL = opts.BaseURL
	}
	model := opts.Model
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Executor{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: opts.Timeout,
		logger:  logger,
	}, nil
}

// promptCard is the trimmed card view the model sees.
type promptCard struct {
	ID          string            `json:"id"`
	ColumnID    string            `json:"column_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Tasks       []promptTask      `json:"tasks,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

type promptTask struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

type promptRequest struct {
	Instruction   string       `json:"instruction"`
	Action        string       `json:"action"`
	TriggerCardID string       `json:"trigger_card_id,omitempty"`
	Cards         []promptCard `json:"cards"`
}

// Execute runs one instruction. The response must be the JSON change set;
// anything else fails the execution rather than corrupting the board.
func (e *Executor) Execute(ctx context.Context, input automation.ExecutionInput) (automation.ExecutionResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(buildPrompt(input))
	if err != nil {
		return automation.ExecutionResult{}, fmt.Errorf("encode prompt: %w", err)
	}

	e.logger.Debug("executing instruction", "rule_id", input.Rule.ID, "model", e.model, "cards", len(input.Cards))
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMessage(string(payload))},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return automation.ExecutionResult{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return automation.ExecutionResult{}, errors.New("chat completion returned no choices")
	}

	var result automation.ExecutionResult
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(stripFences(content)), &result); err != nil {
		return automation.ExecutionResult{}, fmt.Errorf("decode change set: %w", err)
	}
	if result.Action == "" {
		result.Action = input.Rule.Action
	}
	return result, nil
}

func buildPrompt(input automation.ExecutionInput) promptRequest {
	req := promptRequest{
		Instruction:   input.Rule.Instruction,
		Action:        string(input.Rule.Action),
		TriggerCardID: input.TriggerCardID,
		Cards:         make([]promptCard, 0, len(input.Cards)),
	}
	for _, card := range input.Cards {
		pc := promptCard{
			ID:          card.ID,
			ColumnID:    card.ColumnID,
			Title:       card.Title,
			Description: card.Description,
			Properties:  card.Properties,
		}
		for _, task := range card.Tasks {
			pc.Tasks = append(pc.Tasks, promptTask{ID: task.ID, Text: task.Text, Done: task.Done})
		}
		req.Cards = append(req.Cards, pc)
	}
	return req
}

func userMessage(payload string) string {
	var b strings.Builder
	b.WriteString("Input:\n")
	b.WriteString(payload)
	b.WriteString("\n\nRespond with JSON of this shape:\n")
	b.WriteString(`{"action":"generate|modify|move|multi_step",` +
		`"generated_cards":[{"column_id":"","title":"","description":"","tasks":[""],"properties":{}}],` +
		`"modified_cards":[{"card_id":"","title":"","add_tasks":[""],"add_message":"","set_properties":{}}],` +
		`"moved_cards":[{"card_id":"","to_column_id":"","to_index":0}],` +
		`"skipped_card_ids":[""],"error":""}`)
	b.WriteString("\nOmit empty lists. Set error only when the instruction cannot be carried out.")
	return b.String()
}

// stripFences tolerates models that fence their JSON despite instructions.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

var _ automation.Executor = (*Executor)(nil)
