package store

import (
	"github.com/pkg/errors"

	"github.com/nesprt/eventstore/internal/eventerr"
	"github.com/nesprt/eventstore/internal/index"
)

// Direction is an EventStream's or JoinEventStream's iteration order.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Record is one decoded document yielded by an EventStream or
// JoinEventStream: the caller's original payload, the metadata the
// coordinator attached at commit time, the write stream it came from, and
// its index entry.
type Record struct {
	Payload  []byte
	Metadata map[string]interface{}
	Stream   string
	Entry    index.Entry
}

// cursor holds the fluent-builder state shared by EventStream and
// JoinEventStream: the (not yet materialised) bounds, direction, and the
// "throws once iteration has begun" rule.
type cursor struct {
	min, max *int64
	dir      Direction
	started  bool
	buildErr error

	entries []Record
	order   []int
	pos     int
}

func (c *cursor) ensureNotStarted(op string) bool {
	if c.started {
		c.buildErr = &eventerr.InvalidStateError{Op: op}
		return false
	}
	return true
}

func (c *cursor) setMin(n int64) {
	if c.ensureNotStarted("from") {
		v := n
		c.min = &v
	}
}

func (c *cursor) setMax(n int64) {
	if c.ensureNotStarted("until") {
		v := n
		c.max = &v
	}
}

// clearMax unsets the upper bound, meaning "through the last entry" —
// the same as never having called setMax, and distinct from setMax(-1),
// whose from-end count semantics are for excluding a count of trailing
// entries, not for selecting the last one.
func (c *cursor) clearMax() {
	if c.ensureNotStarted("until") {
		c.max = nil
	}
}

func (c *cursor) setDir(d Direction) {
	if c.ensureNotStarted("forwards/backwards") {
		c.dir = d
	}
}

// bindOrder materialises the iteration order over an already-resolved
// entries slice (ascending by Number), called once per cursor lifetime.
func (c *cursor) bindOrder() {
	c.order = make([]int, len(c.entries))
	if c.dir == Forward {
		for i := range c.entries {
			c.order[i] = i
		}
	} else {
		for i := range c.entries {
			c.order[i] = len(c.entries) - 1 - i
		}
	}
	c.pos = -1
}

func (c *cursor) next() bool {
	if c.order == nil {
		c.bindOrder()
	}
	c.started = true
	if c.pos+1 >= len(c.order) {
		return false
	}
	c.pos++
	return true
}

func (c *cursor) current() Record { return c.entries[c.order[c.pos]] }

// reset rewinds the cursor to the start of its (frozen) bounds without
// re-evaluating them.
func (c *cursor) reset() { c.pos = -1 }

// EventStream is a lazy, bounded iterator over one write stream's or read
// stream's secondary index. Its range is fixed the first time iteration
// begins; the fluent builder methods mutate that not-yet-materialised
// range and refuse once iteration has started.
type EventStream struct {
	cursor
	store      *EventStore
	streamName string
	idx        *index.Index
}

// GetEventStream opens a lazy iterator over the named write stream or read
// stream. The primary index itself is reachable under the reserved name
// "$all".
func (s *EventStore) GetEventStream(name string) (*EventStream, error) {
	if name == "$all" {
		return &EventStream{store: s, streamName: name, idx: s.primary}, nil
	}
	idx, ok := s.StreamIndex(name)
	if !ok {
		return nil, errors.Errorf("unknown stream %q", name)
	}
	return &EventStream{store: s, streamName: name, idx: idx}, nil
}

func (es *EventStream) FromStart() *EventStream { es.setMin(1); return es }
func (es *EventStream) FromEnd() *EventStream   { es.setMin(-1); return es }
func (es *EventStream) ToStart() *EventStream   { es.setMax(1); return es }
func (es *EventStream) ToEnd() *EventStream     { es.clearMax(); return es }
func (es *EventStream) From(n int64) *EventStream { es.setMin(n); return es }
func (es *EventStream) Until(n int64) *EventStream { es.setMax(n); return es }

// First narrows the range to its first n entries.
func (es *EventStream) First(n int64) *EventStream {
	es.setMin(1)
	es.setMax(n)
	return es
}

// Last narrows the range to its last n entries.
func (es *EventStream) Last(n int64) *EventStream {
	es.setMin(-n)
	es.clearMax()
	return es
}

func (es *EventStream) Forwards() *EventStream  { es.setDir(Forward); return es }
func (es *EventStream) Backwards() *EventStream { es.setDir(Backward); return es }

// Reset reinitialises iteration at the current bounds without allowing
// them to change.
func (es *EventStream) Reset() *EventStream {
	es.reset()
	return es
}

func (es *EventStream) materialize() error {
	if es.entries != nil || es.buildErr != nil {
		return es.buildErr
	}
	entries, ok, err := es.idx.Range(minOr(es.min, 1), es.max)
	if err != nil {
		es.buildErr = err
		return err
	}
	if !ok {
		es.entries = []Record{}
		return nil
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		payload, metadata, err := es.store.ReadDocument(e)
		if err != nil {
			es.buildErr = err
			return err
		}
		out = append(out, Record{Payload: payload, Metadata: metadata, Stream: es.streamName, Entry: e})
	}
	es.entries = out
	return nil
}

func minOr(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}

// Next advances the iterator. Call Record after a true return.
func (es *EventStream) Next() bool {
	if err := es.materialize(); err != nil {
		return false
	}
	return es.next()
}

// Record returns the document at the iterator's current position.
func (es *EventStream) Record() Record { return es.current() }

// Err returns any error encountered building the iterator's range or
// decoding a document, including a builder method called after iteration
// began.
func (es *EventStream) Err() error { return es.buildErr }

// Events materialises the entire (bounded) range as an ordered slice,
// honoring the iterator's current direction.
func (es *EventStream) Events() ([]Record, error) {
	if err := es.materialize(); err != nil {
		return nil, err
	}
	es.started = true
	if es.order == nil {
		es.bindOrder()
	}
	out := make([]Record, len(es.order))
	for i, idx := range es.order {
		out[i] = es.entries[idx]
	}
	return out, nil
}

// ForEach calls fn for every record in range, in iteration order, stopping
// at the first error either from the iterator or from fn itself.
func (es *EventStream) ForEach(fn func(Record) error) error {
	for es.Next() {
		if err := fn(es.Record()); err != nil {
			return err
		}
	}
	return es.Err()
}
