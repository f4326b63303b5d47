package domain

import (
	"strings"
	"time"
)

// Workspace represents one board: a named container of columns, cards, and rules.
type Workspace struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"owner_id"`
	FolderID    string            `json:"folder_id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewWorkspace constructs a new value for this package.
func NewWorkspace(id, ownerID, name string, now time.Time) (Workspace, error) {
	id = strings.TrimSpace(id)
	ownerID = strings.TrimSpace(ownerID)
	name = strings.TrimSpace(name)
	if id == "" {
		return Workspace{}, ErrInvalidID
	}
	if name == "" {
		return Workspace{}, ErrInvalidName
	}
	return Workspace{
		ID:        id,
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}, nil
}

// Rename renames the requested operation.
func (w *Workspace) Rename(name string, now time.Time) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	w.Name = name
	w.UpdatedAt = now.UTC()
	return nil
}

// Folder groups workspaces for one user; it is user-scoped, not workspace-scoped.
type Folder struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewFolder constructs a new value for this package.
func NewFolder(id, userID, name string, position int, now time.Time) (Folder, error) {
	id = strings.TrimSpace(id)
	userID = strings.TrimSpace(userID)
	name = strings.TrimSpace(name)
	if id == "" || userID == "" {
		return Folder{}, ErrInvalidID
	}
	if name == "" {
		return Folder{}, ErrInvalidName
	}
	if position < 0 {
		return Folder{}, ErrInvalidPosition
	}
	return Folder{
		ID:        id,
		UserID:    userID,
		Name:      name,
		Position:  position,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}, nil
}
