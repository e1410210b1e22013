package store

import (
	"fmt"
	"time"
)

// Annotations

func (s *Store) AddAnnotation(a Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations = append(s.annotations, a.clone())
}

func (s *Store) Annotation(id string) (Annotation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.annotations {
		if a.ID == id {
			return a.clone(), true
		}
	}
	return Annotation{}, false
}

func (s *Store) Annotations() []Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Annotation, 0, len(s.annotations))
	for _, a := range s.annotations {
		out = append(out, a.clone())
	}
	return out
}

func (s *Store) AnnotationsByStatus(status FeedbackStatus) []Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Annotation{}
	for _, a := range s.annotations {
		if a.Status == status {
			out = append(out, a.clone())
		}
	}
	return out
}

func (s *Store) UpdateAnnotationStatus(id string, status FeedbackStatus) (Annotation, error) {
	if !status.Valid() {
		return Annotation{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.annotations {
		if s.annotations[i].ID != id {
			continue
		}
		s.annotations[i].Status = status
		s.annotations[i].UpdatedAt = time.Now().UTC()
		return s.annotations[i].clone(), nil
	}
	return Annotation{}, fmt.Errorf("annotation %s: %w", id, ErrNotFound)
}

func (s *Store) RemoveAnnotation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.annotations {
		if s.annotations[i].ID == id {
			s.annotations = append(s.annotations[:i], s.annotations[i+1:]...)
			return true
		}
	}
	return false
}

// DOM changes

func (s *Store) AddDomChange(d DomChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domChanges = append(s.domChanges, d.clone())
}

func (s *Store) DomChanges() []DomChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DomChange, 0, len(s.domChanges))
	for _, d := range s.domChanges {
		out = append(out, d.clone())
	}
	return out
}

// ClearDomChanges drops every DOM change and returns how many there were.
func (s *Store) ClearDomChanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.domChanges)
	s.domChanges = nil
	return n
}
