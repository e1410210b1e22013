package store

import (
	"fmt"
	"sort"
	"time"
)

// AddIteration inserts a new record, failing with ErrIterationExists if the
// name is taken. The check and the insert are one atomic step.
func (s *Store) AddIteration(it Iteration) error {
	if err := ValidateName(it.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.iterations[it.Name]; exists {
		return fmt.Errorf("%w: %s", ErrIterationExists, it.Name)
	}
	s.iterations[it.Name] = it.clone()
	return nil
}

// SetIteration inserts or replaces a record.
func (s *Store) SetIteration(it Iteration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations[it.Name] = it.clone()
}

func (s *Store) Iteration(name string) (Iteration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.iterations[name]
	if !ok {
		return Iteration{}, false
	}
	return it.clone(), true
}

// Iterations returns a copy of the name → iteration map.
func (s *Store) Iterations() map[string]Iteration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Iteration, len(s.iterations))
	for name, it := range s.iterations {
		out[name] = it.clone()
	}
	return out
}

// IterationNames returns the sorted names of all iterations.
func (s *Store) IterationNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.iterations))
	for name := range s.iterations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.iterations)
}

// UpdateIteration applies fn to the stored record and returns the result.
// Name changes made by fn are ignored.
func (s *Store) UpdateIteration(name string, fn func(*Iteration)) (Iteration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.iterations[name]
	if !ok {
		return Iteration{}, fmt.Errorf("iteration %s: %w", name, ErrNotFound)
	}
	it = it.clone()
	fn(&it)
	it.Name = name
	s.iterations[name] = it
	return it.clone(), nil
}

// SetStatus moves an iteration to status. errMsg is kept only for
// StatusError.
func (s *Store) SetStatus(name string, status Status, errMsg string) (Iteration, error) {
	return s.UpdateIteration(name, func(it *Iteration) {
		it.Status = status
		it.Error = ""
		if status == StatusError {
			it.Error = errMsg
		}
	})
}

// AssignProcess records port and pid together. They can be assigned only
// once per iteration.
func (s *Store) AssignProcess(name string, port, pid int, status Status) (Iteration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.iterations[name]
	if !ok {
		return Iteration{}, fmt.Errorf("iteration %s: %w", name, ErrNotFound)
	}
	if it.Port != 0 || it.PID != nil {
		return Iteration{}, fmt.Errorf("iteration %s: %w", name, ErrAlreadyAssigned)
	}
	it.Port = port
	it.PID = &pid
	it.Status = status
	s.iterations[name] = it
	return it.clone(), nil
}

// Touch records proxy activity for the idle reaper.
func (s *Store) Touch(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.iterations[name]; ok {
		it.LastActivityAt = &at
		s.iterations[name] = it
	}
}

// RemoveIteration deletes the record and reports whether it existed.
func (s *Store) RemoveIteration(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.iterations[name]; !ok {
		return false
	}
	delete(s.iterations, name)
	return true
}

// RemoveAllIterations clears every record and returns the removed names.
func (s *Store) RemoveAllIterations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.iterations))
	for name := range s.iterations {
		names = append(names, name)
	}
	sort.Strings(names)
	s.iterations = make(map[string]Iteration)
	return names
}
