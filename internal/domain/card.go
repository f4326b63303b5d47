package domain

import (
	"strings"
	"time"
)

// Card represents one board card, including its attached tasks, messages,
// tag references, and free-form properties. The rich fields are opaque to
// replication; they travel whole inside mutation events.
type Card struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	ColumnID    string            `json:"column_id"`
	Position    int               `json:"position"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	TagIDs      []string          `json:"tag_ids,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Tasks       []Task            `json:"tasks,omitempty"`
	Messages    []Message         `json:"messages,omitempty"`

	// CreatedByInstructionID records the rule that generated this card, when
	// any. Loop prevention consults it before re-triggering that rule.
	CreatedByInstructionID string `json:"created_by_instruction_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is a checklist entry owned by a card.
type Task struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a comment attached to a card.
type Message struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Tag is a workspace-level label assignable to cards by id.
type Tag struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Color       string    `json:"color"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewCard constructs a new value for this package.
func NewCard(id, workspaceID, columnID, title string, position int, now time.Time) (Card, error) {
	id = strings.TrimSpace(id)
	workspaceID = strings.TrimSpace(workspaceID)
	columnID = strings.TrimSpace(columnID)
	title = strings.TrimSpace(title)
	if id == "" || workspaceID == "" {
		return Card{}, ErrInvalidID
	}
	if columnID == "" {
		return Card{}, ErrInvalidColumnID
	}
	if title == "" {
		return Card{}, ErrInvalidTitle
	}
	if position < 0 {
		return Card{}, ErrInvalidPosition
	}
	return Card{
		ID:          id,
		WorkspaceID: workspaceID,
		ColumnID:    columnID,
		Position:    position,
		Title:       title,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}, nil
}

// Retitle retitles the card.
func (c *Card) Retitle(title string, now time.Time) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrInvalidTitle
	}
	c.Title = title
	c.UpdatedAt = now.UTC()
	return nil
}

// FindTask returns the task with the given id, when present.
func (c *Card) FindTask(taskID string) (Task, bool) {
	for _, t := range c.Tasks {
		if t.ID == taskID {
			return t, true
		}
	}
	return Task{}, false
}

// RemoveTask deletes the task with the given id and reports whether it existed.
func (c *Card) RemoveTask(taskID string, now time.Time) bool {
	for i, t := range c.Tasks {
		if t.ID == taskID {
			c.Tasks = append(c.Tasks[:i], c.Tasks[i+1:]...)
			c.UpdatedAt = now.UTC()
			return true
		}
	}
	return false
}

// RemoveMessage deletes the message with the given id and reports whether it existed.
func (c *Card) RemoveMessage(messageID string, now time.Time) bool {
	for i, m := range c.Messages {
		if m.ID == messageID {
			c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
			c.UpdatedAt = now.UTC()
			return true
		}
	}
	return false
}

// SetProperty sets a property value and returns the prior value when one existed.
func (c *Card) SetProperty(key, value string, now time.Time) (prev string, had bool) {
	if c.Properties == nil {
		c.Properties = map[string]string{}
	}
	prev, had = c.Properties[key]
	c.Properties[key] = value
	c.UpdatedAt = now.UTC()
	return prev, had
}

// RemoveProperty deletes a property and reports whether it existed.
func (c *Card) RemoveProperty(key string, now time.Time) bool {
	if c.Properties == nil {
		return false
	}
	if _, ok := c.Properties[key]; !ok {
		return false
	}
	delete(c.Properties, key)
	c.UpdatedAt = now.UTC()
	return true
}
