package hub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iteratedev/iterate/internal/store"
)

// Client -> daemon message types.
const (
	MsgAnnotationCreate = "annotation:create"
	MsgAnnotationDelete = "annotation:delete"
	MsgBatchSubmit      = "batch:submit"
	MsgDomMove          = "dom:move"
	MsgDomReorder       = "dom:reorder"
	MsgDomResize        = "dom:resize"
	MsgDomStyle         = "dom:style"
	MsgIterationSelect  = "iteration:select"  // reserved, no-op
	MsgIterationCompare = "iteration:compare" // reserved, no-op
)

// Daemon -> client message types.
const (
	MsgStateSync         = "state:sync"
	MsgIterationStatus   = "iteration:status"
	MsgIterationRemoved  = "iteration:removed"
	MsgAnnotationCreated = "annotation:created"
	MsgAnnotationUpdated = "annotation:updated"
	MsgAnnotationDeleted = "annotation:deleted"
	MsgDomChanged        = "dom:changed"
	MsgDomCleared        = "dom:cleared"
	MsgBatchSubmitted    = "batch:submitted"
	MsgCommandStarted    = "command:started"
	MsgError             = "error"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// Envelope is the frame of every message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is one of the inbound message structs below.
type ClientMessage interface {
	clientMessage()
}

type AnnotationCreate struct {
	Annotation store.Annotation `json:"annotation"`
}

type AnnotationDelete struct {
	ID string `json:"id"`
}

type BatchSubmit struct {
	Annotations []store.Annotation `json:"annotations"`
	DomChanges  []store.DomChange  `json:"domChanges"`
}

// DomEdit covers dom:move, dom:reorder, dom:resize and dom:style. Kind is
// taken from the message type, not the payload.
type DomEdit struct {
	Change store.DomChange `json:"change"`
}

type IterationSelect struct {
	Name string `json:"name"`
}

type IterationCompare struct {
	Names []string `json:"names"`
}

func (AnnotationCreate) clientMessage() {}
func (AnnotationDelete) clientMessage() {}
func (BatchSubmit) clientMessage()      {}
func (DomEdit) clientMessage()          {}
func (IterationSelect) clientMessage()  {}
func (IterationCompare) clientMessage() {}

var domKinds = map[string]store.DomChangeKind{
	MsgDomMove:    store.DomMove,
	MsgDomReorder: store.DomReorder,
	MsgDomResize:  store.DomResize,
	MsgDomStyle:   store.DomStyle,
}

// DecodeClient parses one inbound frame.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch env.Type {
	case MsgAnnotationCreate:
		var m AnnotationCreate
		if err := decodeData(env, &m); err != nil {
			return nil, err
		}
		if m.Annotation.Iteration == "" {
			return nil, fmt.Errorf("%w: %s requires annotation.iteration", ErrMalformed, env.Type)
		}
		return m, nil
	case MsgAnnotationDelete:
		var m AnnotationDelete
		if err := decodeData(env, &m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			return nil, fmt.Errorf("%w: %s requires id", ErrMalformed, env.Type)
		}
		return m, nil
	case MsgBatchSubmit:
		var m BatchSubmit
		if err := decodeData(env, &m); err != nil {
			return nil, err
		}
		for _, d := range m.DomChanges {
			if !validKind(d.Kind) {
				return nil, fmt.Errorf("%w: dom change kind %q", ErrMalformed, d.Kind)
			}
		}
		return m, nil
	case MsgDomMove, MsgDomReorder, MsgDomResize, MsgDomStyle:
		var m DomEdit
		if err := decodeData(env, &m); err != nil {
			return nil, err
		}
		m.Change.Kind = domKinds[env.Type]
		return m, nil
	case MsgIterationSelect:
		var m IterationSelect
		if err := decodeData(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MsgIterationCompare:
		var m IterationCompare
		if err := decodeData(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s requires data", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

func validKind(k store.DomChangeKind) bool {
	for _, known := range domKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ServerMessage is one of the outbound message structs below.
type ServerMessage interface {
	MessageType() string
}

type StateSync struct {
	State store.State `json:"state"`
}

type IterationStatus struct {
	Iteration store.Iteration `json:"iteration"`
}

type IterationRemoved struct {
	Name string `json:"name"`
}

type AnnotationCreated struct {
	Annotation store.Annotation `json:"annotation"`
}

type AnnotationUpdated struct {
	Annotation store.Annotation `json:"annotation"`
}

type AnnotationDeleted struct {
	ID string `json:"id"`
}

type DomChanged struct {
	Change store.DomChange `json:"change"`
}

type DomCleared struct {
	Count int `json:"count"`
}

type BatchSubmitted struct {
	AnnotationCount int `json:"annotationCount"`
	DomChangeCount  int `json:"domChangeCount"`
}

type CommandStarted struct {
	Command store.CommandContext `json:"command"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

func (StateSync) MessageType() string         { return MsgStateSync }
func (IterationStatus) MessageType() string   { return MsgIterationStatus }
func (IterationRemoved) MessageType() string  { return MsgIterationRemoved }
func (AnnotationCreated) MessageType() string { return MsgAnnotationCreated }
func (AnnotationUpdated) MessageType() string { return MsgAnnotationUpdated }
func (AnnotationDeleted) MessageType() string { return MsgAnnotationDeleted }
func (DomChanged) MessageType() string        { return MsgDomChanged }
func (DomCleared) MessageType() string        { return MsgDomCleared }
func (BatchSubmitted) MessageType() string    { return MsgBatchSubmitted }
func (CommandStarted) MessageType() string    { return MsgCommandStarted }
func (ErrorMessage) MessageType() string      { return MsgError }

// Encode frames msg as an Envelope.
func Encode(msg ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: msg.MessageType(), Data: data})
}

// DecodeServer parses an outbound frame back into its message struct. Used
// by clients and tests.
func DecodeServer(data []byte) (ServerMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var msg ServerMessage
	switch env.Type {
	case MsgStateSync:
		msg = &StateSync{}
	case MsgIterationStatus:
		msg = &IterationStatus{}
	case MsgIterationRemoved:
		msg = &IterationRemoved{}
	case MsgAnnotationCreated:
		msg = &AnnotationCreated{}
	case MsgAnnotationUpdated:
		msg = &AnnotationUpdated{}
	case MsgAnnotationDeleted:
		msg = &AnnotationDeleted{}
	case MsgDomChanged:
		msg = &DomChanged{}
	case MsgDomCleared:
		msg = &DomCleared{}
	case MsgBatchSubmitted:
		msg = &BatchSubmitted{}
	case MsgCommandStarted:
		msg = &CommandStarted{}
	case MsgError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
	}
	return msg, nil
}
