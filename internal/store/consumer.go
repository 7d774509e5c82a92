package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nesprt/eventstore/internal/index"
	"github.com/nesprt/eventstore/internal/notify"
)

// HandlerContext is passed to a Consumer's data handler for one dispatched
// document.
type HandlerContext struct {
	Payload  []byte
	Metadata map[string]interface{}
	Entry    index.Entry

	stateSet bool
	newState interface{}
}

// SetState records the state to persist alongside this entry's position.
// update is either a plain replacement value or a func(prev interface{})
// interface{} updater, mirroring the source model's
// setState(value | updater).
func (h *HandlerContext) SetState(update interface{}) {
	if fn, ok := update.(func(interface{}) interface{}); ok {
		h.newState = fn(h.newState)
	} else {
		h.newState = update
	}
	h.stateSet = true
}

// Handler processes one dispatched document. Returning an error stops the
// consumer and surfaces the error via OnError.
type Handler func(*HandlerContext) error

type consumerState struct {
	Position int64       `json:"position"`
	State    interface{} `json:"state"`
}

// Consumer is a durable cursor over a write stream or read stream: it
// dispatches every document from its persisted position onward to a
// handler, persisting position and handler state atomically so a crash
// never desynchronises them.
type Consumer struct {
	mu sync.Mutex

	store      *EventStore
	streamName string
	id         string
	statePath  string

	position int64
	state    interface{}

	handler     Handler
	caughtUpPub *notify.Emitter[struct{}]
	errorPub    *notify.Emitter[error]

	unsubscribeLive func()
	liveCh          chan struct{}
	running         bool
	stopped         bool

	log *log.Entry
}

// NewConsumer opens (or creates) a durable cursor named id over
// streamName, reading its persisted position and state if a sidecar file
// already exists, or starting from position 0 with initialState.
func NewConsumer(s *EventStore, streamName, id string, initialState interface{}) (*Consumer, error) {
	if _, err := s.resolveStreamIndex(streamName); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s.%s.%s.state", s.name, streamName, id))

	c := &Consumer{
		store:       s,
		streamName:  streamName,
		id:          id,
		statePath:   path,
		state:       initialState,
		caughtUpPub: notify.NewEmitter[struct{}](),
		errorPub:    notify.NewEmitter[error](),
		log:         log.WithFields(log.Fields{"component": "consumer", "stream": streamName, "id": id}),
	}

	if err := c.load(initialState); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *EventStore) resolveStreamIndex(name string) (*index.Index, error) {
	if name == "$all" {
		return s.primary, nil
	}
	idx, ok := s.StreamIndex(name)
	if !ok {
		return nil, errors.Errorf("unknown stream %q", name)
	}
	return idx, nil
}

func (c *Consumer) load(initialState interface{}) error {
	b, err := os.ReadFile(c.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			c.position = 0
			c.state = initialState
			return nil
		}
		return errors.Wrap(err, "failed to read consumer state")
	}
	var cs consumerState
	if err := json.Unmarshal(b, &cs); err != nil {
		return errors.Wrap(err, "failed to decode consumer state")
	}
	c.position = cs.Position
	c.state = cs.State
	return nil
}

func (c *Consumer) persist(position int64, state interface{}) error {
	cs := consumerState{Position: position, State: state}
	b, err := json.Marshal(cs)
	if err != nil {
		return errors.Wrap(err, "failed to encode consumer state")
	}
	tmp := c.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return errors.Wrap(err, "failed to write consumer state")
	}
	if err := os.Rename(tmp, c.statePath); err != nil {
		return errors.Wrap(err, "failed to commit consumer state")
	}
	return nil
}

// Position returns the consumer's current persisted position.
func (c *Consumer) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// State returns the consumer's current state value itself; it is not
// copied, so a mutation of nested structures through the returned value
// changes the consumer's in-memory state. The consumer never mutates it
// itself except by wholesale replacement from a handler's SetState.
func (c *Consumer) State() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnCaughtUp subscribes to the event fired once the consumer has dispatched
// every document available at subscribe time.
func (c *Consumer) OnCaughtUp(fn func()) func() {
	return c.caughtUpPub.Subscribe(func(struct{}) { fn() })
}

// OnError subscribes to handler and dispatch errors. An unhandled error
// stops the consumer.
func (c *Consumer) OnError(fn func(error)) func() { return c.errorPub.Subscribe(fn) }

// OnData registers the data handler and begins dispatching if this is the
// first registration. Only one handler may be registered at a time.
func (c *Consumer) OnData(fn Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.handler = fn
	shouldStart := !c.running && !c.stopped
	c.mu.Unlock()

	if shouldStart {
		c.start()
	}

	return func() {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
		c.Suspend()
	}
}

// Suspend removes the live subscription, pausing dispatch without losing
// position or state.
func (c *Consumer) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	if c.unsubscribeLive != nil {
		c.unsubscribeLive()
		c.unsubscribeLive = nil
	}
}

// Destroy permanently stops the consumer; it cannot be restarted.
func (c *Consumer) Destroy() {
	c.Suspend()
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// Reset rewinds the consumer to position (default 0) and replaces state
// with the given value, persisting immediately.
func (c *Consumer) Reset(state interface{}, position int64) error {
	c.mu.Lock()
	c.position = position
	c.state = state
	c.mu.Unlock()
	return c.persist(position, state)
}

func (c *Consumer) start() {
	c.mu.Lock()
	if c.running || c.stopped {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.liveCh = make(chan struct{}, 1)
	streamName := c.streamName
	ch := c.liveCh
	c.mu.Unlock()

	// The live subscription only ever wakes dispatchLoop up; the actual
	// cursor advance always walks the stream's own index ordinally
	// (position+1, position+2, ...) via catchUp. This is what keeps
	// "position" a stable ordinal into that index rather than confusing
	// it with the pushed event's global primary-index sequence number,
	// which only happens to coincide with the ordinal for the "$all"
	// stream.
	wake := func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	var unsub func()
	if streamName == "$all" {
		unsub = c.store.OnWrote(func(WroteEvent) { wake() })
	} else {
		unsub = c.store.OnIndexAdd(func(ev IndexAddEvent) {
			if ev.Stream != streamName {
				return
			}
			wake()
		})
	}

	c.mu.Lock()
	c.unsubscribeLive = unsub
	c.mu.Unlock()

	go c.dispatchLoop(ch)
}

func (c *Consumer) dispatchLoop(ch chan struct{}) {
	idx, err := c.store.resolveStreamIndex(c.streamName)
	if err != nil {
		c.fail(err)
		return
	}

	if err := c.catchUp(idx); err != nil {
		c.fail(err)
		return
	}
	c.caughtUpPub.Emit(struct{}{})

	for range ch {
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			return
		}
		if err := c.catchUp(idx); err != nil {
			c.fail(err)
			return
		}
	}
}

// catchUp dispatches every entry from the stream's own index starting at
// c.position+1, the ordinal the index was built at — never the global
// primary-index sequence number an entry's Number carries, which only
// coincides with this ordinal for the "$all" stream.
func (c *Consumer) catchUp(idx *index.Index) error {
	for {
		c.mu.Lock()
		from := c.position + 1
		c.mu.Unlock()

		entry, ok, err := idx.Get(from)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		payload, metadata, err := c.store.ReadDocument(entry)
		if err != nil {
			return err
		}
		if err := c.dispatch(from, Record{Payload: payload, Metadata: metadata, Stream: c.streamName, Entry: entry}); err != nil {
			return err
		}
	}
}

// dispatch delivers rec to the handler and advances the cursor to ordinal,
// the 1-based position into this stream's own index that rec was fetched
// at. This is deliberately not rec.Entry.Number: Number is the global
// primary-index sequence number assigned at commit time, which only
// equals ordinal for the "$all" stream.
func (c *Consumer) dispatch(ordinal int64, rec Record) error {
	c.mu.Lock()
	handler := c.handler
	prevState := c.state
	c.mu.Unlock()

	if handler == nil {
		return nil
	}

	ctx := &HandlerContext{Payload: rec.Payload, Metadata: rec.Metadata, Entry: rec.Entry, newState: prevState}
	if err := handler(ctx); err != nil {
		return err
	}

	newState := prevState
	if ctx.stateSet {
		newState = ctx.newState
	}

	c.mu.Lock()
	c.position = ordinal
	c.state = newState
	c.mu.Unlock()

	return c.persist(ordinal, newState)
}

func (c *Consumer) fail(err error) {
	c.Suspend()
	c.errorPub.Emit(err)
}
