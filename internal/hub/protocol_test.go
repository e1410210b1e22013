package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iteratedev/iterate/internal/store"
)

func TestDecodeClient(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"dom:reorder","data":{"change":{"iteration":"a","kind":"style","selector":"ul"}}}`))
	require.NoError(t, err)
	edit, ok := msg.(DomEdit)
	require.True(t, ok)
	assert.Equal(t, store.DomReorder, edit.Change.Kind, "kind comes from the message type")

	msg, err = DecodeClient([]byte(`{"type":"annotation:delete","data":{"id":"42"}}`))
	require.NoError(t, err)
	assert.Equal(t, AnnotationDelete{ID: "42"}, msg)
}

func TestDecodeClientErrors(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{`nope`, ErrMalformed},
		{`{"data":{}}`, ErrMalformed},
		{`{"type":"annotation:create"}`, ErrMalformed},
		{`{"type":"annotation:create","data":{}}`, ErrMalformed},
		{`{"type":"annotation:delete","data":{}}`, ErrMalformed},
		{`{"type":"annotation:delete","data":"x"}`, ErrMalformed},
		{`{"type":"batch:submit","data":{"domChanges":[{"kind":"explode"}]}}`, ErrMalformed},
		{`{"type":"iteration:destroy","data":{}}`, ErrUnknownType},
	}
	for _, tc := range cases {
		_, err := DecodeClient([]byte(tc.in))
		assert.ErrorIs(t, err, tc.want, tc.in)
	}
}

func TestEncodeEnvelope(t *testing.T) {
	data, err := Encode(BatchSubmitted{AnnotationCount: 2, DomChangeCount: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"batch:submitted","data":{"annotationCount":2,"domChangeCount":1}}`, string(data))

	data, err = Encode(IterationStatus{Iteration: store.Iteration{Name: "a", Status: store.StatusCreating}})
	require.NoError(t, err)
	var env struct {
		Type string `json:"type"`
		Data struct {
			Iteration map[string]any `json:"iteration"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, MsgIterationStatus, env.Type)
	assert.Nil(t, env.Data.Iteration["pid"], "pid is null until started")
	assert.Contains(t, env.Data.Iteration, "pid")
}
