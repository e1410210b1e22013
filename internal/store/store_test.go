package store

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iteratedev/iterate/internal/config"
)

func newIteration(name string) Iteration {
	return Iteration{
		Name:      name,
		Branch:    BranchFor(name),
		Status:    StatusCreating,
		CreatedAt: time.Now().UTC(),
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"exp1", "a-b", "A_B-9"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "a/b", "a b", "../x", "ü", string(make([]byte, 65))} {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, "%q", name)
	}
}

func TestAddIterationDuplicateLeavesOriginal(t *testing.T) {
	s := New(config.Default())
	orig := newIteration("exp1")
	orig.WorktreePath = "/tmp/exp1"
	require.NoError(t, s.AddIteration(orig))

	dup := newIteration("exp1")
	dup.WorktreePath = "/tmp/other"
	err := s.AddIteration(dup)
	require.ErrorIs(t, err, ErrIterationExists)

	got, ok := s.Iteration("exp1")
	require.True(t, ok)
	assert.Equal(t, "/tmp/exp1", got.WorktreePath)
	assert.Equal(t, 1, s.Count())
}

func TestAddIterationConcurrentSameName(t *testing.T) {
	s := New(config.Default())
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.AddIteration(newIteration("race")) == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestIterationCopiesDoNotAlias(t *testing.T) {
	s := New(config.Default())
	require.NoError(t, s.AddIteration(newIteration("a")))
	_, err := s.AssignProcess("a", 3101, 42, StatusStarting)
	require.NoError(t, err)

	got, _ := s.Iteration("a")
	*got.PID = 7
	got.Status = StatusError

	again, _ := s.Iteration("a")
	assert.Equal(t, 42, *again.PID)
	assert.Equal(t, StatusStarting, again.Status)
}

func TestAssignProcessOnlyOnce(t *testing.T) {
	s := New(config.Default())
	require.NoError(t, s.AddIteration(newIteration("a")))

	it, err := s.AssignProcess("a", 3101, 100, StatusStarting)
	require.NoError(t, err)
	assert.Equal(t, 3101, it.Port)
	require.NotNil(t, it.PID)
	assert.Equal(t, 100, *it.PID)

	_, err = s.AssignProcess("a", 3102, 101, StatusStarting)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	_, err = s.AssignProcess("missing", 3103, 102, StatusStarting)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetStatusKeepsErrorOnlyForErrorState(t *testing.T) {
	s := New(config.Default())
	require.NoError(t, s.AddIteration(newIteration("a")))

	it, err := s.SetStatus("a", StatusError, "boom")
	require.NoError(t, err)
	assert.Equal(t, "boom", it.Error)

	it, err = s.SetStatus("a", StatusStopped, "ignored")
	require.NoError(t, err)
	assert.Empty(t, it.Error)
}

func TestRemoveIteration(t *testing.T) {
	s := New(config.Default())
	require.NoError(t, s.AddIteration(newIteration("a")))
	require.NoError(t, s.AddIteration(newIteration("b")))

	assert.True(t, s.RemoveIteration("a"))
	assert.False(t, s.RemoveIteration("a"))
	_, ok := s.Iteration("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, s.IterationNames())

	assert.Equal(t, []string{"b"}, s.RemoveAllIterations())
	assert.Empty(t, s.Iterations())
}

func TestAnnotations(t *testing.T) {
	s := New(config.Default())
	now := time.Now().UTC()
	s.AddAnnotation(Annotation{ID: "1", Iteration: "a", Status: FeedbackPending, Element: json.RawMessage(`{"x":1}`), CreatedAt: now})
	s.AddAnnotation(Annotation{ID: "2", Iteration: "b", Status: FeedbackPending, CreatedAt: now})

	updated, err := s.UpdateAnnotationStatus("1", FeedbackResolved)
	require.NoError(t, err)
	assert.Equal(t, FeedbackResolved, updated.Status)
	assert.JSONEq(t, `{"x":1}`, string(updated.Element))

	pending := s.AnnotationsByStatus(FeedbackPending)
	require.Len(t, pending, 1)
	assert.Equal(t, "2", pending[0].ID)

	_, err = s.UpdateAnnotationStatus("nope", FeedbackResolved)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.UpdateAnnotationStatus("1", FeedbackStatus("bogus"))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	assert.True(t, s.RemoveAnnotation("2"))
	assert.Len(t, s.Annotations(), 1)
}

func TestDomChanges(t *testing.T) {
	s := New(config.Default())
	s.AddDomChange(DomChange{ID: "d1", Kind: DomMove, Status: FeedbackPending})
	s.AddDomChange(DomChange{ID: "d2", Kind: DomStyle, Status: FeedbackPending})
	assert.Len(t, s.DomChanges(), 2)
	assert.Equal(t, 2, s.ClearDomChanges())
	assert.Empty(t, s.DomChanges())
}

func TestCommandsLatest(t *testing.T) {
	s := New(config.Default())
	_, ok := s.LatestCommand()
	assert.False(t, ok)

	base := time.Now().UTC()
	s.SetCommand(CommandContext{CommandID: "c1", Prompt: "first", Iterations: []string{"x-1"}, CreatedAt: base})
	s.SetCommand(CommandContext{CommandID: "c2", Prompt: "second", CreatedAt: base.Add(time.Second)})
	s.SetCommand(CommandContext{CommandID: "c0", Prompt: "older", CreatedAt: base.Add(-time.Second)})

	latest, ok := s.LatestCommand()
	require.True(t, ok)
	assert.Equal(t, "c2", latest.CommandID)

	c1, ok := s.Command("c1")
	require.True(t, ok)
	assert.Equal(t, []string{"x-1"}, c1.Iterations)

	ids := []string{}
	for _, c := range s.Commands() {
		ids = append(ids, c.CommandID)
	}
	assert.Equal(t, []string{"c0", "c1", "c2"}, ids)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := New(config.Default())
	require.NoError(t, s.AddIteration(newIteration("a")))
	s.AddAnnotation(Annotation{ID: "1", Element: json.RawMessage(`{"a":1}`)})

	snap := s.Snapshot()
	snap.Annotations[0].Element[1] = 'X'
	delete(snap.Iterations, "a")

	assert.Equal(t, 1, s.Count())
	got, _ := s.Annotation("1")
	assert.JSONEq(t, `{"a":1}`, string(got.Element))
	assert.Equal(t, config.DefaultBasePort, snap.Config.BasePort)
}
