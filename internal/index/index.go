// Package index implements the append-only, fixed-record positional index:
// an ordinal entry number mapped to a (partition, position, size) tuple
// plus a monotone key, with random access, range scans and key-based
// binary search.
//
// On-disk layout:
//
//	header := MAGIC(11 bytes) NEWLINE VERSION(1) ENTRY_SIZE(1) METADATA_LEN(4 LE) METADATA(METADATA_LEN bytes)
//	entry*  := fixed ENTRY_SIZE bytes each
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nesprt/eventstore/internal/eventerr"
)

const (
	magic       = "nesprtidx01"
	version     = byte(1)
	entrySize   = 24 // Number(8) + Position(8) + Size(4) + Partition(4)
	fixedHdrLen = len(magic) + 1 /*newline*/ + 1 /*version*/ + 1 /*entry size*/ + 4 /*metadata len*/

	entriesPerPage     = 128
	pageCacheTTL       = 5 * time.Minute
	pageCacheCleanup   = 10 * time.Minute
	defaultFlushDelay  = time.Millisecond
)

var byteOrder = binary.LittleEndian

// Entry is one positional-index record.
type Entry struct {
	// Number is the monotone document key this entry orders by: the
	// document's global sequence number in the primary index, which
	// secondary-index entries for the same document carry unchanged.
	Number int64
	// Position is the document's byte offset into its partition's body.
	Position int64
	// Size is the document's payload length, excluding the length prefix
	// and trailing newline, as Partition.ReadFrom's expectedSize compares.
	Size uint32
	// Partition is the 32-bit id of the partition the document lives in.
	Partition uint32
}

func (e Entry) encode() []byte {
	b := make([]byte, entrySize)
	byteOrder.PutUint64(b[0:8], uint64(e.Number))
	byteOrder.PutUint64(b[8:16], uint64(e.Position))
	byteOrder.PutUint32(b[16:20], e.Size)
	byteOrder.PutUint32(b[20:24], e.Partition)
	return b
}

func decodeEntry(b []byte) Entry {
	return Entry{
		Number:    int64(byteOrder.Uint64(b[0:8])),
		Position:  int64(byteOrder.Uint64(b[8:16])),
		Size:      byteOrder.Uint32(b[16:20]),
		Partition: byteOrder.Uint32(b[20:24]),
	}
}

// AppendEvent is emitted after a flush that grew the index.
type AppendEvent struct {
	PrevLen int64
	NewLen  int64
}

// TruncateEvent is emitted after Truncate shrinks the index.
type TruncateEvent struct {
	PrevLen int64
	NewLen  int64
}

// Options configures an Index at Open time.
type Options struct {
	// FlushDelay is how long a scheduled flush waits before running.
	FlushDelay time.Duration
	// SyncOnFlush calls fsync after every flush.
	SyncOnFlush bool
}

func (o *Options) setDefaults() {
	if o.FlushDelay <= 0 {
		o.FlushDelay = defaultFlushDelay
	}
}

type pendingEntry struct {
	entry   Entry
	onFlush func()
}

// Index is one positional index file.
type Index struct {
	mu sync.Mutex

	path       string
	opts       Options
	f          *os.File
	headerSize int64
	metadata   []byte

	flushedLen int64
	pending    []pendingEntry
	flushTimer *time.Timer

	cache *gocache.Cache

	closed bool

	onAppend   func(AppendEvent)
	onTruncate func(TruncateEvent)

	log *log.Entry
}

// Open opens or creates the index file at path. If metadata is non-nil and
// the file already exists, it must equal byte-for-byte what was persisted
// at creation, or MetadataMismatchError is returned. Passing nil accepts
// whatever metadata is already on disk.
func Open(path string, metadata []byte, opts Options) (*Index, error) {
	opts.setDefaults()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open index file")
	}

	idx := &Index{
		path:  path,
		opts:  opts,
		f:     f,
		cache: gocache.New(pageCacheTTL, pageCacheCleanup),
		log:   log.WithFields(log.Fields{"component": "index", "path": path}),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to stat index file")
	}

	if info.Size() == 0 {
		if metadata == nil {
			metadata = []byte{}
		}
		if err := idx.writeHeader(metadata); err != nil {
			f.Close()
			return nil, err
		}
		idx.metadata = metadata
	} else {
		if err := idx.readHeader(metadata); err != nil {
			f.Close()
			return nil, err
		}
		idx.flushedLen = (info.Size() - idx.headerSize) / entrySize
	}

	return idx, nil
}

func (idx *Index) writeHeader(metadata []byte) error {
	buf := new(bytes.Buffer)
	buf.WriteString(magic)
	buf.WriteByte('\n')
	buf.WriteByte(version)
	buf.WriteByte(byte(entrySize))
	lenBuf := make([]byte, 4)
	byteOrder.PutUint32(lenBuf, uint32(len(metadata)))
	buf.Write(lenBuf)
	buf.Write(metadata)

	if _, err := idx.f.WriteAt(buf.Bytes(), 0); err != nil {
		return errors.Wrap(err, "failed to write index header")
	}
	idx.headerSize = int64(fixedHdrLen + len(metadata))
	return nil
}

func (idx *Index) readHeader(wantMetadata []byte) error {
	fixed := make([]byte, fixedHdrLen)
	if _, err := idx.f.ReadAt(fixed, 0); err != nil {
		return errors.Wrap(err, "failed to read index header")
	}
	gotMagic := string(fixed[:len(magic)])
	if gotMagic != magic {
		return &eventerr.InvalidHeaderError{Path: idx.path, Want: magic, Got: gotMagic}
	}
	if fixed[len(magic)] != '\n' {
		return &eventerr.InvalidHeaderError{Path: idx.path, Want: "\\n", Got: string(fixed[len(magic)])}
	}
	gotVersion := fixed[len(magic)+1]
	if gotVersion != version {
		return &eventerr.VersionMismatchError{Path: idx.path, Want: version, Got: gotVersion}
	}
	gotEntrySize := fixed[len(magic)+2]
	if gotEntrySize != byte(entrySize) {
		return &eventerr.VersionMismatchError{Path: idx.path, Want: byte(entrySize), Got: gotEntrySize}
	}
	metaLen := byteOrder.Uint32(fixed[len(magic)+3 : len(magic)+7])

	metadata := make([]byte, metaLen)
	if metaLen > 0 {
		if _, err := idx.f.ReadAt(metadata, int64(fixedHdrLen)); err != nil {
			return errors.Wrap(err, "failed to read index metadata")
		}
	}
	if wantMetadata != nil && !bytes.Equal(wantMetadata, metadata) {
		return &eventerr.MetadataMismatchError{Path: idx.path}
	}
	idx.metadata = metadata
	idx.headerSize = int64(fixedHdrLen) + int64(metaLen)
	return nil
}

// Metadata returns the immutable metadata stored in the index header.
func (idx *Index) Metadata() []byte { return idx.metadata }

// OnAppend registers the callback invoked after a flush that grew the
// index. The callback runs on its own goroutine.
func (idx *Index) OnAppend(fn func(AppendEvent)) { idx.onAppend = fn }

// OnTruncate registers the callback invoked after Truncate.
func (idx *Index) OnTruncate(fn func(TruncateEvent)) { idx.onTruncate = fn }

// Len returns the index's current length, flushed or not.
func (idx *Index) Len() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.flushedLen + int64(len(idx.pending))
}

// Add appends one entry, returning its new 1-based entry number. onFlush,
// if given, runs once the entry is durably flushed.
func (idx *Index) Add(entry Entry, onFlush func()) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return 0, &eventerr.InvalidStateError{Op: "Add"}
	}

	number := idx.flushedLen + int64(len(idx.pending)) + 1
	wasEmpty := len(idx.pending) == 0
	idx.pending = append(idx.pending, pendingEntry{entry: entry, onFlush: onFlush})

	if wasEmpty {
		idx.scheduleFlushLocked()
	}
	return number, nil
}

func (idx *Index) scheduleFlushLocked() {
	if idx.flushTimer != nil {
		return
	}
	idx.flushTimer = time.AfterFunc(idx.opts.FlushDelay, func() {
		idx.mu.Lock()
		idx.flushTimer = nil
		if err := idx.flushLocked(); err != nil {
			idx.log.WithError(err).Error("scheduled flush failed")
		}
		idx.mu.Unlock()
	})
}

// Flush writes pending entries to disk, optionally fsyncs, and runs
// registered onFlush callbacks in order.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.flushLocked()
}

func (idx *Index) flushLocked() error {
	if idx.flushTimer != nil {
		idx.flushTimer.Stop()
		idx.flushTimer = nil
	}
	if len(idx.pending) == 0 {
		return nil
	}

	buf := make([]byte, 0, len(idx.pending)*entrySize)
	for _, pe := range idx.pending {
		buf = append(buf, pe.entry.encode()...)
	}
	offset := idx.headerSize + idx.flushedLen*entrySize
	if _, err := idx.f.WriteAt(buf, offset); err != nil {
		return errors.Wrap(err, "failed to flush index")
	}
	if idx.opts.SyncOnFlush {
		if err := idx.f.Sync(); err != nil {
			return errors.Wrap(err, "failed to fsync index")
		}
	}

	prevLen := idx.flushedLen
	callbacks := idx.pending
	idx.pending = nil
	idx.flushedLen += int64(len(callbacks))

	for _, pe := range callbacks {
		if pe.onFlush != nil {
			pe.onFlush()
		}
	}
	if idx.onAppend != nil && idx.flushedLen != prevLen {
		// Runs outside idx.mu: listeners read the new entries back via Get.
		go idx.onAppend(AppendEvent{PrevLen: prevLen, NewLen: idx.flushedLen})
	}
	return nil
}

// Get returns the 1-based entry n, or ok=false if n is out of range or the
// index is closed for reads past end-of-data (a state/data error, not a
// read-path miss, returns an error instead — see package eventerr).
func (idx *Index) Get(n int64) (Entry, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.getLocked(n)
}

func (idx *Index) getLocked(n int64) (Entry, bool, error) {
	if idx.closed {
		return Entry{}, false, nil
	}
	total := idx.flushedLen + int64(len(idx.pending))
	if n <= 0 || n > total {
		return Entry{}, false, nil
	}
	if n > idx.flushedLen {
		return idx.pending[n-idx.flushedLen-1].entry, true, nil
	}
	e, err := idx.readFromDisk(n)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (idx *Index) readFromDisk(n int64) (Entry, error) {
	pageNo := (n - 1) / entriesPerPage
	offsetInPage := (n - 1) % entriesPerPage

	key := fmt.Sprintf("%d", pageNo)
	var page []byte
	if cached, ok := idx.cache.Get(key); ok && int64(len(cached.([]byte))) >= (offsetInPage+1)*entrySize {
		page = cached.([]byte)
	} else {
		start := pageNo * entriesPerPage
		count := entriesPerPage
		if start+int64(count) > idx.flushedLen {
			count = int(idx.flushedLen - start)
		}
		page = make([]byte, int64(count)*entrySize)
		if _, err := idx.f.ReadAt(page, idx.headerSize+start*entrySize); err != nil {
			return Entry{}, errors.Wrap(err, "failed to read index page")
		}
		idx.cache.SetDefault(key, page)
	}

	off := offsetInPage * entrySize
	if off+entrySize > int64(len(page)) {
		return Entry{}, &eventerr.CorruptFileError{Path: idx.path, Reason: "short index page read"}
	}
	return decodeEntry(page[off : off+entrySize]), nil
}

// normalizeFrom resolves a possibly-negative lower bound against the
// current total length: -1 means the last entry.
func normalizeFrom(x, total int64) int64 {
	if x < 0 {
		return total + x + 1
	}
	return x
}

// normalizeTo resolves a possibly-negative upper bound against the
// current total length: -n means "up to but excluding the last n
// entries" (e.g. -15 against a 50-entry index stops at entry 35), so
// that combined with a from-end normalizeFrom lower bound the two
// together carve out exactly n entries from the end, never n+1.
func normalizeTo(x, total int64) int64 {
	if x < 0 {
		return total + x
	}
	return x
}

// Range returns entries [from, to], inclusive, with negative bounds
// counting from the end (-1 = last on the from side). ok is false if the
// normalized bounds are invalid.
func (idx *Index) Range(from int64, to *int64) ([]Entry, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	total := idx.flushedLen + int64(len(idx.pending))
	f := normalizeFrom(from, total)
	var t int64
	if to == nil {
		t = total
	} else {
		t = normalizeTo(*to, total)
	}
	if f < 1 || t > total || f > t {
		return nil, false, nil
	}

	entries := make([]Entry, 0, t-f+1)
	for n := f; n <= t; n++ {
		e, ok, err := idx.getLocked(n)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		entries = append(entries, e)
	}
	return entries, true, nil
}

// All returns every entry currently in the index.
func (idx *Index) All() ([]Entry, error) {
	entries, ok, err := idx.Range(1, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Entry{}, nil
	}
	return entries, nil
}

// Find returns the largest 1-based entry number n such that
// entries[n].Number <= key, 0 if key is smaller than every entry, and the
// index length if key is greater than or equal to every entry. Find on an
// empty index returns 0.
func (idx *Index) Find(key int64) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	total := idx.flushedLen + int64(len(idx.pending))
	if total == 0 {
		return 0, nil
	}
	first, _, err := idx.getLocked(1)
	if err != nil {
		return 0, err
	}
	if key < first.Number {
		return 0, nil
	}
	last, _, err := idx.getLocked(total)
	if err != nil {
		return 0, err
	}
	if key >= last.Number {
		return total, nil
	}

	lo, hi := int64(1), total
	for lo < hi {
		mid := (lo + hi + 1) / 2
		e, _, err := idx.getLocked(mid)
		if err != nil {
			return 0, err
		}
		if e.Number <= key {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// Truncate shrinks the index to afterN entries. A no-op if afterN is
// already >= the current length.
func (idx *Index) Truncate(afterN int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.flushLocked(); err != nil {
		return err
	}
	if afterN < 0 {
		afterN = 0
	}
	if afterN >= idx.flushedLen {
		return nil
	}

	prevLen := idx.flushedLen
	if err := idx.f.Truncate(idx.headerSize + afterN*entrySize); err != nil {
		return errors.Wrap(err, "failed to truncate index")
	}
	idx.flushedLen = afterN
	idx.cache.Flush()

	if idx.onTruncate != nil {
		idx.onTruncate(TruncateEvent{PrevLen: prevLen, NewLen: afterN})
	}
	return nil
}

// Close flushes pending entries and releases the index's file handle.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	err := idx.flushLocked()
	idx.closed = true
	if cerr := idx.f.Close(); err == nil {
		err = cerr
	}
	return err
}
