package store

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Matcher decides whether a committed event belongs in a read stream's
// secondary index. The core ships two kinds: exact metadata matching, and
// named predicates registered by the embedding application.
type Matcher interface {
	// Match reports whether the event belongs in the stream this matcher
	// was attached to.
	Match(payload []byte, metadata map[string]interface{}) bool
	kind() string
	source() []byte
}

// metadataMatcher matches events whose metadata contains every field in
// Fields with an equal (JSON-comparable) value.
type metadataMatcher struct {
	fields map[string]interface{}
}

// MetadataEquals builds a Matcher that accepts events whose metadata has
// every given field set to the given value.
func MetadataEquals(fields map[string]interface{}) Matcher {
	return &metadataMatcher{fields: fields}
}

func (m *metadataMatcher) Match(_ []byte, metadata map[string]interface{}) bool {
	for k, want := range m.fields {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		wb, err1 := json.Marshal(want)
		gb, err2 := json.Marshal(got)
		if err1 != nil || err2 != nil || !bytes.Equal(wb, gb) {
			return false
		}
	}
	return true
}

func (m *metadataMatcher) kind() string { return "metadata" }

func (m *metadataMatcher) source() []byte {
	keys := make([]string, 0, len(m.fields))
	for k := range m.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(m.fields))
	for _, k := range keys {
		ordered[k] = m.fields[k]
	}
	b, _ := json.Marshal(ordered)
	return b
}

// PredicateFunc is an application-supplied matcher function, looked up by
// name at stream-open time rather than persisted as source, since Go has
// no safe way to deserialize and execute arbitrary predicate code.
type PredicateFunc func(payload []byte, metadata map[string]interface{}) bool

var (
	registryMu sync.RWMutex
	registry   = map[string]PredicateFunc{}
)

// RegisterPredicate makes a named predicate available to Matcher and to
// streams reopened from a catalog that references it by name. Call during
// program initialization, before opening any EventStore that uses it.
func RegisterPredicate(name string, fn PredicateFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

func lookupPredicate(name string) (PredicateFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// registeredPredicateMatcher persists only the registry key, HMAC-signed
// like every other matcher, standing in for "source-string of a predicate"
// in an environment that cannot safely eval persisted code.
type registeredPredicateMatcher struct {
	name string
	fn   PredicateFunc
}

// Predicate builds a Matcher around a predicate previously registered with
// RegisterPredicate.
func Predicate(name string) (Matcher, error) {
	fn, ok := lookupPredicate(name)
	if !ok {
		return nil, errors.Errorf("no predicate registered under name %q", name)
	}
	return &registeredPredicateMatcher{name: name, fn: fn}, nil
}

func (m *registeredPredicateMatcher) Match(payload []byte, metadata map[string]interface{}) bool {
	return m.fn(payload, metadata)
}

func (m *registeredPredicateMatcher) kind() string  { return "predicate" }
func (m *registeredPredicateMatcher) source() []byte { return []byte(m.name) }

// partitionMatcher is the implicit matcher backing a write stream's own
// same-named read stream: "documents in partition p". It is not built
// through the public Matcher constructors, and the coordinator does not
// use it: Commit adds every document to its write stream's own index
// directly. Match accepts every document without consulting partitionID.
type partitionMatcher struct {
	partitionID uint32
}

func (m *partitionMatcher) Match(_ []byte, _ map[string]interface{}) bool { return true }
func (m *partitionMatcher) kind() string                                 { return "partition" }
func (m *partitionMatcher) source() []byte                               { return nil }

// fingerprint computes the HMAC-SHA256 of a matcher's persisted form,
// binding the catalog record to the secret the store was opened with so a
// tampered or substituted matcher definition is detected on reopen.
func fingerprint(secret []byte, kind string, src []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(kind))
	mac.Write([]byte{0})
	mac.Write(src)
	return mac.Sum(nil)
}

func verifyFingerprint(secret []byte, kind string, src, want []byte) bool {
	return hmac.Equal(fingerprint(secret, kind, src), want)
}

// decodeMatcher reconstructs a Matcher from its persisted kind and source,
// used when replaying the catalog at open time.
func decodeMatcher(kind string, src []byte) (Matcher, error) {
	switch kind {
	case "metadata":
		var fields map[string]interface{}
		if err := json.Unmarshal(src, &fields); err != nil {
			return nil, errors.Wrap(err, "failed to decode metadata matcher")
		}
		return &metadataMatcher{fields: fields}, nil
	case "predicate":
		return Predicate(string(src))
	default:
		return nil, errors.Errorf("unknown matcher kind %q", kind)
	}
}
