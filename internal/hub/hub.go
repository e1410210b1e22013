// Package hub keeps every connected browser's view of the daemon state in
// sync over WebSocket.
//
// All mutations that produce broadcasts go through Hub.Do, which holds one
// mutex across the store update and the enqueueing of the resulting messages.
// Every client therefore sees broadcasts in the same order the mutations were
// applied.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/iteratedev/iterate/internal/debug"
	"github.com/iteratedev/iterate/internal/eventq"
	"github.com/iteratedev/iterate/internal/store"
)

const (
	// SyncTimeout bounds delivery of the initial state:sync.
	SyncTimeout  = 5 * time.Second
	writeTimeout = 15 * time.Second
	sendQueueLen = 256
	readLimit    = 4 << 20
)

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
}

// Hub owns the set of connected clients.
type Hub struct {
	store *store.Store

	mu      sync.Mutex
	clients map[*client]struct{}

	// OnClients, if set, is called with the client count after every
	// connect and disconnect.
	OnClients func(n int)
}

func New(s *store.Store) *Hub {
	return &Hub{
		store:   s,
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Do runs fn under the hub lock and broadcasts the messages it returns, in
// order, before releasing the lock.
func (h *Hub) Do(fn func() []ServerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, msg := range fn() {
		h.broadcastLocked(msg)
	}
}

// Broadcast sends msgs to every client.
func (h *Hub) Broadcast(msgs ...ServerMessage) {
	h.Do(func() []ServerMessage { return msgs })
}

func (h *Hub) broadcastLocked(msg ServerMessage) {
	data, err := Encode(msg)
	if err != nil {
		debug.LogKV("hub", "encode failed", "type", msg.MessageType(), "error", err)
		return
	}
	for c := range h.clients {
		if !eventq.Offer(c.send, data) {
			debug.LogKV("hub", "send queue full, dropping client", "client", c.id, "type", msg.MessageType())
			h.dropLocked(c)
		}
	}
}

func (h *Hub) sendLocked(c *client, msg ServerMessage) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	data, err := Encode(msg)
	if err != nil {
		return
	}
	if !eventq.Offer(c.send, data) {
		h.dropLocked(c)
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.cancel()
	h.notifyLocked()
}

func (h *Hub) notifyLocked() {
	if h.OnClients != nil {
		h.OnClients(len(h.clients))
	}
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &client{
		id:     uuid.NewString()[:8],
		conn:   conn,
		send:   make(chan []byte, sendQueueLen),
		cancel: cancel,
	}

	if err := h.register(c); err != nil {
		debug.LogKV("hub", "register failed", "error", err)
		conn.Close(websocket.StatusInternalError, "state sync failed")
		return
	}
	defer h.unregister(c)
	debug.LogKV("hub", "client connected", "client", c.id, "remote", r.RemoteAddr)

	go h.writeLoop(ctx, c)
	h.readLoop(ctx, c)
	debug.LogKV("hub", "client disconnected", "client", c.id)
}

// register queues the snapshot and adds c under one lock, so c sees every
// broadcast after the snapshot and none before it.
func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, err := Encode(StateSync{State: h.store.Snapshot()})
	if err != nil {
		return err
	}
	c.send <- data
	h.clients[c] = struct{}{}
	h.notifyLocked()
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	defer c.cancel()
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			timeout := writeTimeout
			if first {
				timeout = SyncTimeout
				first = false
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, timeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				debug.LogKV("hub", "write failed, dropping client", "client", c.id, "error", err)
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			h.reject(c, fmt.Errorf("%w: binary frames are not supported", ErrMalformed))
			continue
		}
		msg, err := DecodeClient(data)
		if err != nil {
			h.reject(c, err)
			continue
		}
		h.handle(c, msg)
	}
}

// reject reports err to c only.
func (h *Hub) reject(c *client, err error) {
	debug.LogKV("hub", "rejected message", "client", c.id, "error", err)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendLocked(c, ErrorMessage{Message: err.Error()})
}

// handle applies msg to the store and broadcasts the result. Failures go
// back to the sender only.
func (h *Hub) handle(from *client, msg ClientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out, err := h.apply(msg)
	if err != nil {
		h.sendLocked(from, ErrorMessage{Message: err.Error()})
		return
	}
	for _, m := range out {
		h.broadcastLocked(m)
	}
}

var errAnnotationNotFound = errors.New("annotation not found")

func (h *Hub) apply(msg ClientMessage) ([]ServerMessage, error) {
	now := time.Now().UTC()
	switch m := msg.(type) {
	case AnnotationCreate:
		a, err := newAnnotation(m.Annotation, now)
		if err != nil {
			return nil, err
		}
		h.store.AddAnnotation(a)
		return []ServerMessage{AnnotationCreated{Annotation: a}}, nil

	case AnnotationDelete:
		if !h.store.RemoveAnnotation(m.ID) {
			return nil, fmt.Errorf("%w: %s", errAnnotationNotFound, m.ID)
		}
		return []ServerMessage{AnnotationDeleted{ID: m.ID}}, nil

	case BatchSubmit:
		annotations := make([]store.Annotation, 0, len(m.Annotations))
		for _, in := range m.Annotations {
			a, err := newAnnotation(in, now)
			if err != nil {
				return nil, err
			}
			annotations = append(annotations, a)
		}
		changes := make([]store.DomChange, 0, len(m.DomChanges))
		for _, in := range m.DomChanges {
			changes = append(changes, newDomChange(in, now))
		}

		out := make([]ServerMessage, 0, len(annotations)+len(changes)+1)
		for _, a := range annotations {
			h.store.AddAnnotation(a)
			out = append(out, AnnotationCreated{Annotation: a})
		}
		for _, d := range changes {
			h.store.AddDomChange(d)
			out = append(out, DomChanged{Change: d})
		}
		out = append(out, BatchSubmitted{AnnotationCount: len(annotations), DomChangeCount: len(changes)})
		return out, nil

	case DomEdit:
		d := newDomChange(m.Change, now)
		h.store.AddDomChange(d)
		return []ServerMessage{DomChanged{Change: d}}, nil

	case IterationSelect, IterationCompare:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
}

func newAnnotation(a store.Annotation, now time.Time) (store.Annotation, error) {
	if a.Status == "" {
		a.Status = store.FeedbackPending
	}
	if !a.Status.Valid() {
		return store.Annotation{}, fmt.Errorf("%w: %q", store.ErrInvalidStatus, a.Status)
	}
	a.ID = uuid.NewString()
	a.CreatedAt = now
	a.UpdatedAt = now
	return a, nil
}

func newDomChange(d store.DomChange, now time.Time) store.DomChange {
	d.ID = uuid.NewString()
	if d.Status == "" || !d.Status.Valid() {
		d.Status = store.FeedbackPending
	}
	d.CreatedAt = now
	return d
}
