package store

import (
	"encoding/json"
	"time"

	"github.com/iteratedev/iterate/internal/config"
)

// BranchPrefix is the namespace every iteration branch lives under.
const BranchPrefix = "iterate/"

// Status is the lifecycle state of an iteration. Removal is represented by
// the record's absence, not by a status.
type Status string

const (
	StatusCreating   Status = "creating"
	StatusInstalling Status = "installing"
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// AllStatuses lists every Status in lifecycle order.
var AllStatuses = []Status{StatusCreating, StatusInstalling, StatusStarting, StatusReady, StatusError, StatusStopped}

// Iteration is one isolated branch + worktree + preview server.
type Iteration struct {
	Name           string     `json:"name"`
	Branch         string     `json:"branch"`
	WorktreePath   string     `json:"worktreePath"`
	Port           int        `json:"port"`
	PID            *int       `json:"pid"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	CommandPrompt  string     `json:"commandPrompt,omitempty"`
	CommandID      string     `json:"commandId,omitempty"`
	Error          string     `json:"error,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
}

// BranchFor returns the branch name for an iteration name.
func BranchFor(name string) string {
	return BranchPrefix + name
}

func (it Iteration) clone() Iteration {
	if it.PID != nil {
		pid := *it.PID
		it.PID = &pid
	}
	if it.LastActivityAt != nil {
		ts := *it.LastActivityAt
		it.LastActivityAt = &ts
	}
	return it
}

// FeedbackStatus is the lifecycle of annotations and DOM changes.
type FeedbackStatus string

const (
	FeedbackPending      FeedbackStatus = "pending"
	FeedbackAcknowledged FeedbackStatus = "acknowledged"
	FeedbackResolved     FeedbackStatus = "resolved"
	FeedbackDismissed    FeedbackStatus = "dismissed"
)

// Valid reports whether s is a known feedback status.
func (s FeedbackStatus) Valid() bool {
	switch s {
	case FeedbackPending, FeedbackAcknowledged, FeedbackResolved, FeedbackDismissed:
		return true
	}
	return false
}

// Annotation is a piece of user feedback pinned to a UI element of one
// iteration. Element is passed through untouched.
type Annotation struct {
	ID        string          `json:"id"`
	Iteration string          `json:"iteration"`
	Status    FeedbackStatus  `json:"status"`
	Comment   string          `json:"comment,omitempty"`
	Selector  string          `json:"selector,omitempty"`
	Element   json.RawMessage `json:"element,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (a Annotation) clone() Annotation {
	a.Element = cloneRaw(a.Element)
	return a
}

// DomChangeKind enumerates the recorded DOM edits.
type DomChangeKind string

const (
	DomMove    DomChangeKind = "move"
	DomReorder DomChangeKind = "reorder"
	DomResize  DomChangeKind = "resize"
	DomStyle   DomChangeKind = "style"
)

// DomChange records a direct manipulation the user made in the preview.
type DomChange struct {
	ID        string          `json:"id"`
	Iteration string          `json:"iteration"`
	Kind      DomChangeKind   `json:"kind"`
	Selector  string          `json:"selector,omitempty"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Status    FeedbackStatus  `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (d DomChange) clone() DomChange {
	d.Before = cloneRaw(d.Before)
	d.After = cloneRaw(d.After)
	return d
}

// CommandContext records one "make N variations" request.
type CommandContext struct {
	CommandID  string    `json:"commandId"`
	Command    string    `json:"command"`
	Prompt     string    `json:"prompt"`
	Iterations []string  `json:"iterations"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (c CommandContext) clone() CommandContext {
	c.Iterations = append([]string(nil), c.Iterations...)
	return c
}

// State is the full snapshot sent to newly connected clients.
type State struct {
	Config      config.Config        `json:"config"`
	Iterations  map[string]Iteration `json:"iterations"`
	Annotations []Annotation         `json:"annotations"`
	DomChanges  []DomChange          `json:"domChanges"`
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
