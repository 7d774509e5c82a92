package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nesprt/eventstore/internal/eventerr"
	"github.com/nesprt/eventstore/internal/index"
	"github.com/nesprt/eventstore/internal/notify"
	"github.com/nesprt/eventstore/internal/partition"
	"github.com/nesprt/eventstore/internal/validate"
)

// WroteEvent is emitted once per document newly visible through the
// primary index, the storage-level "wrote" notification that wakes
// consumers of the "$all" stream.
type WroteEvent struct {
	Entry    index.Entry
	Document []byte
	Metadata map[string]interface{}
}

// IndexAddEvent is emitted once per document newly visible through a
// secondary (read-stream) index.
type IndexAddEvent struct {
	Stream   string
	Entry    index.Entry
	Document []byte
	Metadata map[string]interface{}
}

// CommitResult is returned by a successful Commit.
type CommitResult struct {
	CommitID   uuid.UUID
	FirstSeqNo int64
	LastSeqNo  int64
}

type writeStream struct {
	name      string
	partition *partition.Partition
	index     *index.Index // implicit same-named read stream: "documents in partition p"
}

type readStream struct {
	name    string
	matcher Matcher
	index   *index.Index
}

// EventStore is the storage coordinator: it composes partitions and
// indexes into named write streams and read streams, runs the commit
// algorithm, and owns the data directory's single-writer lock.
type EventStore struct {
	mu sync.Mutex

	opts    Options
	dir     string
	name    string
	lock    *dirLock
	catalog *Catalog
	watcher *watcher

	primary *index.Index

	partitionsByID map[uint32]*partition.Partition
	writeStreams   map[string]*writeStream
	readStreams    map[string]*readStream

	partitionVersion map[uint32]int64

	wrotePub    *notify.Emitter[WroteEvent]
	indexAddPub *notify.Emitter[IndexAddEvent]

	closed bool

	log *log.Entry
}

// Open opens or creates an event store rooted at opts.Dir.
func Open(opts Options) (*EventStore, error) {
	opts.setDefaults()

	s := &EventStore{
		opts:             opts,
		dir:              opts.Dir,
		name:             opts.Name,
		partitionsByID:   map[uint32]*partition.Partition{},
		writeStreams:     map[string]*writeStream{},
		readStreams:      map[string]*readStream{},
		partitionVersion: map[uint32]int64{},
		wrotePub:         notify.NewEmitter[WroteEvent](),
		indexAddPub:      notify.NewEmitter[IndexAddEvent](),
		log:              log.WithFields(log.Fields{"component": "eventstore", "dir": opts.Dir}),
	}

	reclaiming := false
	if !opts.ReadOnly {
		lockPath := filepath.Join(s.dir, s.name+".lock")
		lock, existed, err := acquireLock(lockPath, opts.LockReclaim)
		if err != nil {
			return nil, err
		}
		s.lock = lock
		reclaiming = existed && opts.LockReclaim == LockReclaim
	}

	catalog, err := OpenCatalog(filepath.Join(s.dir, s.name+".streams"))
	if err != nil {
		s.releaseLock()
		return nil, err
	}
	s.catalog = catalog

	primaryMeta, _ := json.Marshal(map[string]string{"kind": "primary"})
	primary, err := index.Open(s.primaryIndexPath(), primaryMeta, opts.IndexOptions)
	if err != nil {
		s.catalog.Close()
		s.releaseLock()
		return nil, err
	}
	s.primary = primary
	s.primary.OnAppend(s.onPrimaryAppend)

	if err := s.loadWriteStreams(reclaiming); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.loadReadStreams(); err != nil {
		s.Close()
		return nil, err
	}

	if reclaiming {
		s.log.Warn("reclaimed stale writer lock, rebuilding indexes")
		if err := s.reindexLocked(); err != nil {
			s.Close()
			return nil, errors.Wrap(err, "reindex after lock reclaim failed")
		}
	}

	if opts.ReadOnly {
		s.watcher = newWatcher(s.dir, s.name, opts.WatchInterval, s.onWatchedFile)
		s.watcher.start()
	}

	return s, nil
}

func (s *EventStore) primaryIndexPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.primary.index", s.name))
}

func (s *EventStore) partitionPath(name string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s", s.name, name))
}

func (s *EventStore) indexPath(name string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s.index", s.name, name))
}

func (s *EventStore) loadWriteStreams(reclaim bool) error {
	records, err := s.catalog.AllPartitions()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := s.openWriteStream(rec.Name, reclaim); err != nil {
			return err
		}
	}
	return nil
}

func (s *EventStore) openWriteStream(name string, reclaim bool) (*writeStream, error) {
	popts := s.opts.PartitionOptions
	popts.Reclaim = reclaim
	p, err := partition.Open(s.partitionPath(name), name, popts)
	if err != nil {
		return nil, err
	}

	meta, _ := json.Marshal(map[string]interface{}{"kind": "stream", "partition": p.ID()})
	idx, err := index.Open(s.indexPath(name), meta, s.opts.IndexOptions)
	if err != nil {
		p.Close()
		return nil, err
	}
	idx.OnAppend(func(ev index.AppendEvent) { s.onSecondaryAppend(name, idx, ev) })

	ws := &writeStream{name: name, partition: p, index: idx}
	s.writeStreams[name] = ws
	s.partitionsByID[p.ID()] = p
	s.partitionVersion[p.ID()] = idx.Len()
	return ws, nil
}

func (s *EventStore) loadReadStreams() error {
	records, err := s.catalog.AllStreams()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !verifyFingerprint(s.opts.MatcherSecret, rec.MatcherKind, rec.MatcherSrc, rec.MatcherHMAC) {
			return errors.Errorf("matcher fingerprint mismatch for stream %q: persisted matcher may have been tampered with", rec.Name)
		}
		matcher, err := decodeMatcher(rec.MatcherKind, rec.MatcherSrc)
		if err != nil {
			return errors.Wrapf(err, "failed to decode matcher for stream %q", rec.Name)
		}
		meta, _ := json.Marshal(map[string]interface{}{"kind": "read", "matcherKind": rec.MatcherKind})
		idx, err := index.Open(s.indexPath(rec.Name), meta, s.opts.IndexOptions)
		if err != nil {
			return err
		}
		name := rec.Name
		idx.OnAppend(func(ev index.AppendEvent) { s.onSecondaryAppend(name, idx, ev) })
		s.readStreams[rec.Name] = &readStream{name: rec.Name, matcher: matcher, index: idx}
	}
	return nil
}

// CreateStream registers a new read stream backed by matcher, replaying
// every document already committed to the primary index that matches
// before the stream starts receiving live commits.
func (s *EventStore) CreateStream(name string, matcher Matcher) error {
	if err := validate.Name(name); err != nil {
		return err
	}
	if matcher == nil {
		return eventerr.ErrMatcherRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return eventerr.ErrClosed
	}
	if _, ok := s.readStreams[name]; ok {
		return &eventerr.StreamExistsError{Name: name}
	}
	if _, ok := s.writeStreams[name]; ok {
		return &eventerr.StreamExistsError{Name: name}
	}

	kind, src := matcher.kind(), matcher.source()
	rec := streamRecord{
		Name:        name,
		MatcherKind: kind,
		MatcherSrc:  src,
		MatcherHMAC: fingerprint(s.opts.MatcherSecret, kind, src),
		CreatedAt:   time.Now(),
	}
	if err := s.catalog.PutStream(rec); err != nil {
		return err
	}

	meta, _ := json.Marshal(map[string]interface{}{"kind": "read", "matcherKind": kind})
	idx, err := index.Open(s.indexPath(name), meta, s.opts.IndexOptions)
	if err != nil {
		return err
	}
	idx.OnAppend(func(ev index.AppendEvent) { s.onSecondaryAppend(name, idx, ev) })
	rs := &readStream{name: name, matcher: matcher, index: idx}
	s.readStreams[name] = rs

	return s.catchUpLocked(rs)
}

// catchUpLocked scans the primary index and appends every entry the
// stream's matcher accepts that it does not already have. Called with s.mu
// held.
func (s *EventStore) catchUpLocked(rs *readStream) error {
	// Secondary entries carry the primary sequence number, so the stream
	// already holds everything up to its last entry's Number.
	start := int64(1)
	if have := rs.index.Len(); have > 0 {
		last, ok, err := rs.index.Get(have)
		if err != nil {
			return err
		}
		if ok {
			start = last.Number + 1
		}
	}
	total := s.primary.Len()
	for n := start; n <= total; n++ {
		entry, ok, err := s.primary.Get(n)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		p := s.partitionsByID[entry.Partition]
		if p == nil {
			continue
		}
		doc, ok, err := p.ReadFrom(entry.Position, int(entry.Size))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		payload, metadata, err := s.opts.Serializer.Deserialize(doc)
		if err != nil {
			return err
		}
		if !rs.matcher.Match(payload, metadata) {
			continue
		}
		if _, err := rs.index.Add(entry, nil); err != nil {
			return err
		}
	}
	return rs.index.Flush()
}

// Commit runs the commit algorithm: it appends every event in payloads to
// streamName's partition and implicit index, fans each out to every
// matching read stream, and assigns dense, monotone stream and global
// sequence numbers — all while holding the coordinator lock, since the
// data directory is single-writer.
func (s *EventStore) Commit(streamName string, payloads [][]byte, expected ExpectedVersion, commitMetadata map[string]interface{}) (CommitResult, error) {
	if err := validate.Name(streamName); err != nil {
		return CommitResult{}, err
	}
	if len(payloads) == 0 {
		return CommitResult{}, eventerr.ErrNoEvents
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return CommitResult{}, eventerr.ErrClosed
	}

	ws, err := s.getOrCreateWriteStreamLocked(streamName)
	if err != nil {
		s.mu.Unlock()
		return CommitResult{}, err
	}

	currentVersion := s.partitionVersion[ws.partition.ID()]
	if err := expected.check(streamName, currentVersion); err != nil {
		s.mu.Unlock()
		return CommitResult{}, err
	}

	commitID := uuid.New()
	committedAt := time.Now().UTC()
	commitSize := len(payloads)

	firstSeq := s.primary.Len() + 1
	var lastSeq int64

	targets := make([]string, len(payloads))
	for k, payload := range payloads {
		targets[k] = s.opts.Partitioner(streamName, payload, k)
	}
	lastIndexForTarget := map[string]int{}
	for k, t := range targets {
		lastIndexForTarget[t] = k
	}

	var wg sync.WaitGroup
	wg.Add(len(lastIndexForTarget))

	for k, payload := range payloads {
		targetName := targets[k]
		targetWS := ws
		if targetName != streamName {
			targetWS, err = s.getOrCreateWriteStreamLocked(targetName)
			if err != nil {
				s.mu.Unlock()
				return CommitResult{}, err
			}
		}

		metadata := map[string]interface{}{}
		for mk, mv := range commitMetadata {
			metadata[mk] = mv
		}
		metadata["commitId"] = commitID.String()
		metadata["committedAt"] = committedAt
		metadata["commitVersion"] = k
		metadata["commitSize"] = commitSize
		metadata["streamVersion"] = currentVersion + int64(k) + 1
		for mk, mv := range commitMetadata {
			metadata[mk] = mv
		}

		encoded, err := s.opts.Serializer.Serialize(payload, metadata)
		if err != nil {
			s.mu.Unlock()
			return CommitResult{}, err
		}

		var onPartitionFlush func()
		if lastIndexForTarget[targetName] == k {
			onPartitionFlush = func() { wg.Done() }
		}

		pos, err := targetWS.partition.Write(encoded, onPartitionFlush)
		if err != nil {
			s.mu.Unlock()
			return CommitResult{}, err
		}

		seqNo := s.primary.Len() + 1
		entry := index.Entry{Number: seqNo, Position: pos, Size: uint32(len(encoded)), Partition: targetWS.partition.ID()}

		if _, err := s.primary.Add(entry, nil); err != nil {
			s.mu.Unlock()
			return CommitResult{}, err
		}
		if _, err := targetWS.index.Add(entry, nil); err != nil {
			s.mu.Unlock()
			return CommitResult{}, err
		}
		for _, rs := range s.readStreams {
			if rs.matcher.Match(payload, metadata) {
				if _, err := rs.index.Add(entry, nil); err != nil {
					s.mu.Unlock()
					return CommitResult{}, err
				}
			}
		}

		s.partitionVersion[targetWS.partition.ID()]++
		lastSeq = seqNo
	}

	s.mu.Unlock()

	wg.Wait()

	return CommitResult{CommitID: commitID, FirstSeqNo: firstSeq, LastSeqNo: lastSeq}, nil
}

func (s *EventStore) getOrCreateWriteStreamLocked(name string) (*writeStream, error) {
	if err := validate.Name(name); err != nil {
		return nil, err
	}
	if ws, ok := s.writeStreams[name]; ok {
		return ws, nil
	}
	if _, ok := s.readStreams[name]; ok {
		return nil, &eventerr.StreamExistsError{Name: name}
	}
	ws, err := s.openWriteStream(name, false)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.PutPartition(partitionRecord{Name: name, CreatedAt: time.Now()}); err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *EventStore) onPrimaryAppend(ev index.AppendEvent) {
	if s.wrotePub.Len() == 0 {
		return
	}
	for n := ev.PrevLen + 1; n <= ev.NewLen; n++ {
		entry, ok, err := s.primary.Get(n)
		if err != nil || !ok {
			continue
		}
		p := s.partitionsByID[entry.Partition]
		if p == nil {
			continue
		}
		doc, ok, err := p.ReadFrom(entry.Position, int(entry.Size))
		if err != nil || !ok {
			continue
		}
		payload, metadata, err := s.opts.Serializer.Deserialize(doc)
		if err != nil {
			continue
		}
		s.wrotePub.Emit(WroteEvent{Entry: entry, Document: payload, Metadata: metadata})
	}
}

func (s *EventStore) onSecondaryAppend(name string, idx *index.Index, ev index.AppendEvent) {
	if s.indexAddPub.Len() == 0 {
		return
	}
	for n := ev.PrevLen + 1; n <= ev.NewLen; n++ {
		entry, ok, err := idx.Get(n)
		if err != nil || !ok {
			continue
		}
		p := s.partitionsByID[entry.Partition]
		if p == nil {
			continue
		}
		doc, ok, err := p.ReadFrom(entry.Position, int(entry.Size))
		if err != nil || !ok {
			continue
		}
		payload, metadata, err := s.opts.Serializer.Deserialize(doc)
		if err != nil {
			continue
		}
		s.indexAddPub.Emit(IndexAddEvent{Stream: name, Entry: entry, Document: payload, Metadata: metadata})
	}
}

// OnWrote subscribes to every document newly visible on the primary index.
func (s *EventStore) OnWrote(fn func(WroteEvent)) func() { return s.wrotePub.Subscribe(fn) }

// OnIndexAdd subscribes to every document newly visible on any secondary
// index.
func (s *EventStore) OnIndexAdd(fn func(IndexAddEvent)) func() { return s.indexAddPub.Subscribe(fn) }

// Primary returns the store's primary index.
func (s *EventStore) Primary() *index.Index { return s.primary }

// Streams returns every known write-stream and read-stream name, in no
// particular order, for operator tooling that needs to enumerate what a
// store holds without knowing names up front.
func (s *EventStore) Streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.writeStreams)+len(s.readStreams))
	for n := range s.writeStreams {
		names = append(names, n)
	}
	for n := range s.readStreams {
		names = append(names, n)
	}
	return names
}

// StreamIndex returns the index backing a write stream or read stream by
// name.
func (s *EventStore) StreamIndex(name string) (*index.Index, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.writeStreams[name]; ok {
		return ws.index, true
	}
	if rs, ok := s.readStreams[name]; ok {
		return rs.index, true
	}
	return nil, false
}

// ReadDocument reads back and decodes the document an index entry points
// to.
func (s *EventStore) ReadDocument(entry index.Entry) (payload []byte, metadata map[string]interface{}, err error) {
	s.mu.Lock()
	p := s.partitionsByID[entry.Partition]
	s.mu.Unlock()
	if p == nil {
		return nil, nil, errors.Errorf("unknown partition id %d", entry.Partition)
	}
	doc, ok, err := p.ReadFrom(entry.Position, int(entry.Size))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errors.New("document not found at recorded position")
	}
	return s.opts.Serializer.Deserialize(doc)
}

func (s *EventStore) onWatchedFile(relName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.writeStreams[relName]; ok {
		return
	}
	if _, err := s.openWriteStream(relName, false); err != nil {
		s.log.WithError(err).WithField("stream", relName).Warn("failed to pick up new write stream")
	}
}

func (s *EventStore) releaseLock() {
	if s.lock != nil {
		s.lock.release()
		s.lock = nil
	}
}

// Close flushes and closes every partition and index and releases the
// directory lock.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.watcher != nil {
		s.watcher.Stop()
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, ws := range s.writeStreams {
		record(ws.index.Close())
		record(ws.partition.Close())
	}
	for _, rs := range s.readStreams {
		record(rs.index.Close())
	}
	if s.primary != nil {
		record(s.primary.Close())
	}
	if s.catalog != nil {
		record(s.catalog.Close())
	}
	s.releaseLock()

	return firstErr
}

// streamNames returns write-stream names in a stable order, used by
// Reindex to make partition scan order deterministic.
func (s *EventStore) streamNames() []string {
	names := make([]string, 0, len(s.writeStreams))
	for n := range s.writeStreams {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
