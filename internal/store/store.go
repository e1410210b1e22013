// Package store is the daemon's authoritative in-memory record of iterations,
// annotations, DOM changes and command contexts. It performs no I/O.
//
// Every method takes the store lock for its whole duration, so no caller can
// observe a partially applied mutation. Records are copied on the way in and
// on the way out.
package store

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/iteratedev/iterate/internal/config"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrIterationExists = errors.New("iteration already exists")
	ErrInvalidName     = errors.New("invalid iteration name")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrAlreadyAssigned = errors.New("port and pid already assigned")
)

const maxNameLen = 64

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName accepts only letters, digits, hyphen and underscore.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen || !validName.MatchString(name) {
		return fmt.Errorf("%w %q: use letters, digits, '-' or '_' (max %d chars)", ErrInvalidName, name, maxNameLen)
	}
	return nil
}

type Store struct {
	mu          sync.RWMutex
	config      config.Config
	iterations  map[string]Iteration
	annotations []Annotation
	domChanges  []DomChange
	commands    map[string]CommandContext
	latestCmd   string
}

func New(cfg config.Config) *Store {
	return &Store{
		config:     cfg,
		iterations: make(map[string]Iteration),
		commands:   make(map[string]CommandContext),
	}
}

func (s *Store) Config() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Snapshot returns a deep copy of the whole state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := State{
		Config:      s.config,
		Iterations:  make(map[string]Iteration, len(s.iterations)),
		Annotations: make([]Annotation, 0, len(s.annotations)),
		DomChanges:  make([]DomChange, 0, len(s.domChanges)),
	}
	for name, it := range s.iterations {
		state.Iterations[name] = it.clone()
	}
	for _, a := range s.annotations {
		state.Annotations = append(state.Annotations, a.clone())
	}
	for _, d := range s.domChanges {
		state.DomChanges = append(state.DomChanges, d.clone())
	}
	return state
}

// Commands

func (s *Store) SetCommand(cmd CommandContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[cmd.CommandID] = cmd.clone()
	if latest, ok := s.commands[s.latestCmd]; !ok || !cmd.CreatedAt.Before(latest.CreatedAt) {
		s.latestCmd = cmd.CommandID
	}
}

func (s *Store) Command(id string) (CommandContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.commands[id]
	if !ok {
		return CommandContext{}, false
	}
	return cmd.clone(), true
}

// LatestCommand returns the most recently created command context.
func (s *Store) LatestCommand() (CommandContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.commands[s.latestCmd]
	if !ok {
		return CommandContext{}, false
	}
	return cmd.clone(), true
}

// Commands returns every command context, oldest first.
func (s *Store) Commands() []CommandContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CommandContext, 0, len(s.commands))
	for _, cmd := range s.commands {
		out = append(out, cmd.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
