package store

import (
	"time"

	"github.com/nesprt/eventstore/internal/eventerr"
	"github.com/nesprt/eventstore/internal/index"
	"github.com/nesprt/eventstore/internal/partition"
)

// Partitioner chooses, for the k-th event of a commit to streamName, the
// name of the partition it is written into. The default keeps the core
// model's 1:1 invariant: every event lands in the partition named after
// its write stream.
type Partitioner func(streamName string, payload []byte, k int) string

func defaultPartitioner(streamName string, _ []byte, _ int) string { return streamName }

// Options configures an EventStore at Open time.
type Options struct {
	// Dir is the data directory. Created if missing.
	Dir string
	// Name is the storage's base name, used to derive every file in Dir:
	// "<Name>.lock", "<Name>.streams", "<Name>.primary.index",
	// "<Name>.<partition>", "<Name>.<index>.index".
	Name string
	// Serializer encodes/decodes the envelope written to a partition.
	// Defaults to JSONSerializer.
	Serializer Serializer
	// Partitioner chooses the target partition per event. Defaults to
	// one partition per write-stream name.
	Partitioner Partitioner
	// MatcherSecret is the HMAC key used to fingerprint persisted
	// matchers when a read stream is created and to verify them on
	// reopen; the implicit per-write-stream index does not use it. Its
	// presence is not checked: an empty secret fingerprints with an
	// empty key.
	MatcherSecret []byte
	// LockReclaim governs writer behavior when a stale lock file from a
	// crashed process is found. Defaults to LockFail.
	LockReclaim LockReclaimPolicy
	// ReadOnly opens the store without acquiring the writer lock, polling
	// the directory for files a separate writer process creates.
	ReadOnly bool
	// WatchInterval is the read-only directory poll interval. Defaults to
	// 2s.
	WatchInterval time.Duration

	PartitionOptions partition.Options
	IndexOptions     index.Options
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "storage"
	}
	if o.Serializer == nil {
		o.Serializer = JSONSerializer{}
	}
	if o.Partitioner == nil {
		o.Partitioner = defaultPartitioner
	}
	if o.WatchInterval <= 0 {
		o.WatchInterval = 2 * time.Second
	}
}

// versionKind distinguishes the three shapes of optimistic-concurrency
// check the commit algorithm supports.
type versionKind int

const (
	versionAny versionKind = iota
	versionEmptyStream
	versionExact
)

// ExpectedVersion is the optimistic-concurrency precondition passed to
// Commit.
type ExpectedVersion struct {
	kind  versionKind
	value int64
}

// ExpectAny skips the optimistic-concurrency check entirely.
func ExpectAny() ExpectedVersion { return ExpectedVersion{kind: versionAny} }

// ExpectEmptyStream requires the write stream to have no prior commits.
func ExpectEmptyStream() ExpectedVersion { return ExpectedVersion{kind: versionEmptyStream} }

// ExpectVersion requires the write stream's current version to equal v.
func ExpectVersion(v int64) ExpectedVersion { return ExpectedVersion{kind: versionExact, value: v} }

func (v ExpectedVersion) check(stream string, current int64) error {
	switch v.kind {
	case versionAny:
		return nil
	case versionEmptyStream:
		if current != 0 {
			return &eventerr.OptimisticConcurrencyError{Stream: stream, Expected: 0, Actual: current}
		}
	case versionExact:
		if current != v.value {
			return &eventerr.OptimisticConcurrencyError{Stream: stream, Expected: v.value, Actual: current}
		}
	}
	return nil
}
