package store

import (
	"sort"

	"github.com/nesprt/eventstore/internal/eventerr"
	"github.com/nesprt/eventstore/internal/index"
)

// JoinEventStream merges several write streams into one iterator that
// preserves global insertion order: it collects the entries of every
// constituent index and sorts them by IndexEntry.Number — which is the
// same global sequence number the primary index assigned at commit time,
// so ordering by Number is sufficient without consulting the primary
// index at all.
type JoinEventStream struct {
	cursor
	store   *EventStore
	name    string
	streams []string
}

// NewJoinEventStream builds a join over streams, bounding the merged
// sequence to [min, max] (nil bounds mean unbounded on that side,
// negative bounds counting from the end of the merged range). Returns
// InvalidArgumentError if streams is empty or store is nil.
func NewJoinEventStream(store *EventStore, name string, streams []string, min, max *int64) (*JoinEventStream, error) {
	if store == nil {
		return nil, &eventerr.InvalidArgumentError{Reason: eventerr.ErrStoreRequired.Error()}
	}
	if len(streams) == 0 {
		return nil, &eventerr.InvalidArgumentError{Reason: eventerr.ErrStreamsRequired.Error()}
	}
	js := &JoinEventStream{store: store, name: name, streams: streams}
	js.min, js.max = min, max
	return js, nil
}

func (js *JoinEventStream) FromStart() *JoinEventStream   { js.setMin(1); return js }
func (js *JoinEventStream) FromEnd() *JoinEventStream     { js.setMin(-1); return js }
func (js *JoinEventStream) ToStart() *JoinEventStream     { js.setMax(1); return js }
func (js *JoinEventStream) ToEnd() *JoinEventStream       { js.clearMax(); return js }
func (js *JoinEventStream) From(n int64) *JoinEventStream { js.setMin(n); return js }
func (js *JoinEventStream) Until(n int64) *JoinEventStream {
	js.setMax(n)
	return js
}

func (js *JoinEventStream) First(n int64) *JoinEventStream {
	js.setMin(1)
	js.setMax(n)
	return js
}

func (js *JoinEventStream) Last(n int64) *JoinEventStream {
	js.setMin(-n)
	js.clearMax()
	return js
}

func (js *JoinEventStream) Forwards() *JoinEventStream  { js.setDir(Forward); return js }
func (js *JoinEventStream) Backwards() *JoinEventStream { js.setDir(Backward); return js }

func (js *JoinEventStream) Reset() *JoinEventStream {
	js.reset()
	return js
}

func (js *JoinEventStream) materialize() error {
	if js.entries != nil || js.buildErr != nil {
		return js.buildErr
	}

	type tagged struct {
		entry  index.Entry
		stream string
	}
	var all []tagged
	for _, name := range js.streams {
		idx, ok := js.store.StreamIndex(name)
		if !ok {
			js.buildErr = errStreamNotFound(name)
			return js.buildErr
		}
		entries, err := idx.All()
		if err != nil {
			js.buildErr = err
			return err
		}
		for _, e := range entries {
			all = append(all, tagged{entry: e, stream: name})
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].entry.Number < all[j].entry.Number })

	total := int64(len(all))
	lo := int64(1)
	if js.min != nil {
		lo = normalizeBoundFrom(*js.min, total)
	}
	hi := total
	if js.max != nil {
		hi = normalizeBoundTo(*js.max, total)
	}
	if lo < 1 {
		lo = 1
	}
	if hi > total {
		hi = total
	}

	out := make([]Record, 0)
	if lo <= hi {
		for i := lo; i <= hi; i++ {
			t := all[i-1]
			payload, metadata, err := js.store.ReadDocument(t.entry)
			if err != nil {
				js.buildErr = err
				return err
			}
			out = append(out, Record{Payload: payload, Metadata: metadata, Stream: t.stream, Entry: t.entry})
		}
	}
	js.entries = out
	return nil
}

// normalizeBoundFrom and normalizeBoundTo mirror index.normalizeFrom and
// index.normalizeTo over the merged sequence's total length: a negative
// lower bound counts the nth entry from the end (inclusive), a negative
// upper bound excludes a count of trailing entries.
func normalizeBoundFrom(x, total int64) int64 {
	if x < 0 {
		return total + x + 1
	}
	return x
}

func normalizeBoundTo(x, total int64) int64 {
	if x < 0 {
		return total + x
	}
	return x
}

func (js *JoinEventStream) Next() bool {
	if err := js.materialize(); err != nil {
		return false
	}
	return js.next()
}

func (js *JoinEventStream) Record() Record { return js.current() }

func (js *JoinEventStream) Err() error { return js.buildErr }

func (js *JoinEventStream) Events() ([]Record, error) {
	if err := js.materialize(); err != nil {
		return nil, err
	}
	js.started = true
	if js.order == nil {
		js.bindOrder()
	}
	out := make([]Record, len(js.order))
	for i, idx := range js.order {
		out[i] = js.entries[idx]
	}
	return out, nil
}

func (js *JoinEventStream) ForEach(fn func(Record) error) error {
	for js.Next() {
		if err := fn(js.Record()); err != nil {
			return err
		}
	}
	return js.Err()
}

func errStreamNotFound(name string) error {
	return &eventerr.InvalidArgumentError{Reason: "unknown stream " + name}
}
