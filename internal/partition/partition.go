// Package partition implements the append-only, length-prefixed segment
// file that backs every write-stream: buffered writes, random-access
// reads, sequential iteration, crash-torn-write recovery and whole-suffix
// truncation.
//
// On-disk layout:
//
//	header   := MAGIC(8 bytes) NEWLINE            // headerSize = 9
//	body     := document*
//	document := LEN(10 ASCII, space-padded) PAYLOAD(LEN bytes) '\n'
package partition

import (
	"bytes"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tysontate/gommap"

	"github.com/nesprt/eventstore/internal/eventerr"
)

const (
	magic      = "nesprt01"
	headerSize = int64(len(magic) + 1) // magic + newline
	lenDigits  = 10
	framingLen = lenDigits + 1 // length prefix + trailing newline

	defaultReadBufferSize  = 4096 + lenDigits
	defaultWriteBufferSize = 16 * 1024
	defaultFlushDelay      = time.Millisecond
)

// AppendEvent is emitted after a flush that grew the partition's logical
// size.
type AppendEvent struct {
	PartitionID uint32
	PrevSize    int64
	NewSize     int64
}

// TruncateEvent is emitted after Truncate shrinks the partition.
type TruncateEvent struct {
	PartitionID uint32
	PrevSize    int64
	NewSize     int64
}

// Options configures a Partition at Open time.
type Options struct {
	// ReadBufferSize is the size of the random-access read window, in bytes.
	ReadBufferSize int
	// WriteBufferSize is the size of the buffered-write window, in bytes.
	WriteBufferSize int
	// MaxWriteBufferDocuments, if > 0, forces an immediate flush once that
	// many documents have accumulated in the write buffer.
	MaxWriteBufferDocuments int
	// SyncOnFlush calls fsync after every flush, trading latency for
	// durability against OS-level crashes.
	SyncOnFlush bool
	// FlushDelay is how long a scheduled flush waits before running, the
	// Go stand-in for "the next scheduler turn" of the source model.
	FlushDelay time.Duration
	// Reclaim, when true, tells Open to attempt torn-write recovery
	// instead of trusting the file's tail as-is.
	Reclaim bool
}

func (o *Options) setDefaults() {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultReadBufferSize
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = defaultWriteBufferSize
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = defaultFlushDelay
	}
}

type pendingWrite struct {
	data    []byte
	onFlush func()
}

// Partition is one append-only segment file.
type Partition struct {
	mu sync.Mutex

	name string
	id   uint32
	path string
	opts Options

	f *os.File

	size int64 // logical size: bytes of payload+framing in the body

	writeBuf    []byte // bytes already accepted, not yet fsynced to the file
	writeBufLen int
	pendingDocs int
	pending     []pendingWrite
	flushTimer  *time.Timer

	readBuf    []byte
	readBufPos int64 // file position (body-relative) of readBuf[0]
	readBufLen int

	closed bool

	onAppend   func(AppendEvent)
	onTruncate func(TruncateEvent)

	log *log.Entry
}

// Open opens or creates the partition file at path under the given
// logical name. If the file is empty, a fresh header is written;
// otherwise the header's magic is validated.
func Open(path, name string, opts Options) (*Partition, error) {
	opts.setDefaults()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open partition file")
	}

	p := &Partition{
		name:    name,
		id:      hash32(name),
		path:    path,
		opts:    opts,
		f:       f,
		readBuf: make([]byte, opts.ReadBufferSize),
		log:     log.WithFields(log.Fields{"component": "partition", "name": name}),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to stat partition file")
	}

	if info.Size() == 0 {
		if err := p.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := p.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
		p.size = info.Size() - headerSize
	}

	if opts.Reclaim {
		if err := p.recover(); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "torn-write recovery failed")
		}
	}

	return p, nil
}

func (p *Partition) writeHeader() error {
	buf := make([]byte, headerSize)
	copy(buf, magic)
	buf[len(magic)] = '\n'
	if _, err := p.f.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "failed to write partition header")
	}
	return nil
}

func (p *Partition) validateHeader() error {
	buf := make([]byte, headerSize)
	if _, err := p.f.ReadAt(buf, 0); err != nil {
		return errors.Wrap(err, "failed to read partition header")
	}
	if string(buf[:len(magic)]) != magic {
		return &eventerr.InvalidHeaderError{Path: p.path, Want: magic, Got: string(buf[:len(magic)])}
	}
	if buf[len(magic)] != '\n' {
		return &eventerr.InvalidHeaderError{Path: p.path, Want: "\\n", Got: string(buf[len(magic)])}
	}
	return nil
}

// ID returns the partition's 32-bit identifier, used by index entries to
// reference the partition a document lives in.
func (p *Partition) ID() uint32 { return p.id }

// Name returns the partition's logical name.
func (p *Partition) Name() string { return p.name }

// Size returns the logical size of the partition's body: bytes already
// accounted to callers as their returned positions, flushed or not.
func (p *Partition) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// OnAppend registers the single callback invoked after a flush that grew
// the partition. Only one listener is supported; registering another
// replaces it.
func (p *Partition) OnAppend(fn func(AppendEvent)) { p.onAppend = fn }

// OnTruncate registers the single callback invoked after Truncate.
func (p *Partition) OnTruncate(fn func(TruncateEvent)) { p.onTruncate = fn }

func encodeLength(n int) []byte {
	b := make([]byte, lenDigits)
	for i := range b {
		b[i] = ' '
	}
	s := strconv.Itoa(n)
	copy(b, s)
	return b
}

func parseLength(b []byte) (int, error) {
	trimmed := bytes.TrimRight(b, " ")
	if len(trimmed) == 0 {
		return 0, errors.New("empty length field")
	}
	n, err := strconv.Atoi(string(trimmed))
	if err != nil || n < 0 {
		return 0, errors.New("malformed length field")
	}
	return n, nil
}

// Write frames data as a document and appends it, returning the position
// the document will occupy (stable once returned, regardless of whether
// the data has reached disk yet). onFlush, if given, runs once the bytes
// backing this write are durably flushed.
func (p *Partition) Write(data []byte, onFlush func()) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, &eventerr.InvalidStateError{Op: "Write"}
	}

	n := len(data)
	framed := make([]byte, 0, n+framingLen)
	framed = append(framed, encodeLength(n)...)
	framed = append(framed, data...)
	framed = append(framed, '\n')

	position := p.size

	// A document that, on its own, would overflow the write buffer bypasses
	// buffering entirely: flush whatever is pending first, then write
	// directly, so ordering on disk still matches append order.
	if len(framed) > p.opts.WriteBufferSize {
		if err := p.flushLocked(); err != nil {
			return 0, err
		}
		if _, err := p.f.WriteAt(framed, headerSize+position); err != nil {
			return 0, errors.Wrap(err, "failed to write document")
		}
		prevSize := p.size
		p.size += int64(len(framed))
		if onFlush != nil {
			p.scheduleCallback(onFlush)
		}
		p.notifyAppend(prevSize, p.size)
		return position, nil
	}

	if p.writeBuf == nil {
		p.writeBuf = make([]byte, p.opts.WriteBufferSize)
	}
	wasEmpty := p.writeBufLen == 0
	if p.writeBufLen+len(framed) > len(p.writeBuf) {
		if err := p.flushLocked(); err != nil {
			return 0, err
		}
		wasEmpty = true
	}
	copy(p.writeBuf[p.writeBufLen:], framed)
	p.writeBufLen += len(framed)
	p.pendingDocs++
	p.pending = append(p.pending, pendingWrite{onFlush: onFlush})
	p.size += int64(len(framed))

	if p.opts.MaxWriteBufferDocuments > 0 && p.pendingDocs >= p.opts.MaxWriteBufferDocuments {
		if err := p.flushLocked(); err != nil {
			return 0, err
		}
	} else if wasEmpty {
		p.scheduleFlushLocked()
	}

	return position, nil
}

func (p *Partition) scheduleCallback(fn func()) {
	time.AfterFunc(p.opts.FlushDelay, fn)
}

func (p *Partition) scheduleFlushLocked() {
	if p.flushTimer != nil {
		return
	}
	p.flushTimer = time.AfterFunc(p.opts.FlushDelay, func() {
		p.mu.Lock()
		p.flushTimer = nil
		if err := p.flushLocked(); err != nil {
			p.log.WithError(err).Error("scheduled flush failed")
		}
		p.mu.Unlock()
	})
}

// Flush writes any buffered bytes to disk, optionally fsyncs, and runs
// registered onFlush callbacks in registration order.
func (p *Partition) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *Partition) flushLocked() error {
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	if p.writeBufLen == 0 {
		return nil
	}

	prevSize := p.size - int64(p.writeBufLen)
	writeAt := headerSize + prevSize
	if _, err := p.f.WriteAt(p.writeBuf[:p.writeBufLen], writeAt); err != nil {
		return errors.Wrap(err, "failed to flush partition")
	}
	if p.opts.SyncOnFlush {
		if err := p.f.Sync(); err != nil {
			return errors.Wrap(err, "failed to fsync partition")
		}
	}

	callbacks := p.pending
	p.pending = nil
	p.writeBufLen = 0
	p.pendingDocs = 0

	newSize := p.size
	for _, pw := range callbacks {
		if pw.onFlush != nil {
			pw.onFlush()
		}
	}
	p.notifyAppend(prevSize, newSize)
	return nil
}

func (p *Partition) notifyAppend(prevSize, newSize int64) {
	if newSize == prevSize || p.onAppend == nil {
		return
	}
	p.onAppend(AppendEvent{PartitionID: p.id, PrevSize: prevSize, NewSize: newSize})
}

// ReadFrom reads back the document written at position. It returns
// ok=false (no error) when position does not address a document header
// within the partition's current logical size. A disagreeing expectedSize
// (when > 0) or a torn/short document is reported as an error.
func (p *Partition) ReadFrom(position int64, expectedSize int) (data []byte, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, &eventerr.InvalidStateError{Op: "ReadFrom"}
	}
	if position < 0 || position+int64(lenDigits) >= p.size {
		return nil, false, nil
	}

	lenBuf := make([]byte, lenDigits)
	if err := p.readRangeLocked(lenBuf, position); err != nil {
		return nil, false, err
	}
	n, perr := parseLength(lenBuf)
	if perr != nil {
		return nil, false, &eventerr.CorruptFileError{Path: p.path, Reason: perr.Error()}
	}
	if expectedSize > 0 && n != expectedSize {
		return nil, false, &eventerr.InvalidDataSizeError{Expected: expectedSize, Actual: n}
	}
	if position+int64(n)+int64(framingLen) > p.size {
		return nil, false, &eventerr.CorruptFileError{Path: p.path, Reason: "torn write: document exceeds partition size"}
	}

	buf := make([]byte, n)
	if err := p.readRangeLocked(buf, position+lenDigits); err != nil {
		return nil, false, err
	}
	nl := make([]byte, 1)
	if err := p.readRangeLocked(nl, position+int64(lenDigits)+int64(n)); err != nil {
		return nil, false, err
	}
	if nl[0] != '\n' {
		return nil, false, &eventerr.CorruptFileError{Path: p.path, Reason: "missing trailing newline"}
	}
	return buf, true, nil
}

// readRangeLocked fills dst from the logical body position `from`, serving
// the write buffer, the read buffer, or a fresh read as appropriate.
// Caller must hold p.mu.
func (p *Partition) readRangeLocked(dst []byte, from int64) error {
	need := int64(len(dst))

	writeBufStart := p.size - int64(p.writeBufLen)
	if p.writeBufLen > 0 && from >= writeBufStart && from+need <= p.size {
		off := from - writeBufStart
		copy(dst, p.writeBuf[off:off+need])
		return nil
	}

	if p.readBufLen > 0 && from >= p.readBufPos && from+need <= p.readBufPos+int64(p.readBufLen) {
		off := from - p.readBufPos
		copy(dst, p.readBuf[off:off+need])
		return nil
	}

	if need > int64(len(p.readBuf)) {
		oneShot := make([]byte, need)
		if _, err := p.f.ReadAt(oneShot, headerSize+from); err != nil {
			return errors.Wrap(err, "failed to read document")
		}
		copy(dst, oneShot)
		return nil
	}

	// refill the read buffer starting at `from`, up to the flushed end
	fillFrom := from
	maxEnd := writeBufStart
	if maxEnd > p.size {
		maxEnd = p.size
	}
	fillLen := int64(len(p.readBuf))
	if fillFrom+fillLen > maxEnd {
		fillLen = maxEnd - fillFrom
	}
	if fillLen < need {
		fillLen = need
	}
	buf := p.readBuf[:fillLen]
	if _, err := p.f.ReadAt(buf, headerSize+fillFrom); err != nil {
		return errors.Wrap(err, "failed to refill read buffer")
	}
	p.readBufPos = fillFrom
	p.readBufLen = int(fillLen)
	copy(dst, p.readBuf[:need])
	return nil
}

// DocumentIterator sequentially walks a partition's documents from a
// starting position.
type DocumentIterator struct {
	p       *Partition
	pos     int64
	value   []byte
	valPos  int64
	err     error
	started bool
}

// Iterator returns a lazy sequential iterator starting at the given body
// position (0 for the beginning of the partition).
func (p *Partition) Iterator(from int64) *DocumentIterator {
	return &DocumentIterator{p: p, pos: from}
}

// Next advances the iterator, returning false at end-of-data or on error.
func (it *DocumentIterator) Next() bool {
	if it.err != nil {
		return false
	}
	data, ok, err := it.p.ReadFrom(it.pos, 0)
	if err != nil {
		it.err = err
		return false
	}
	if !ok {
		return false
	}
	it.value = data
	it.valPos = it.pos
	it.pos += int64(framingLen + len(data))
	return true
}

// Document returns the document read by the most recent Next call.
func (it *DocumentIterator) Document() []byte { return it.value }

// Position returns the body position of the document read by the most
// recent Next call.
func (it *DocumentIterator) Position() int64 { return it.valPos }

// Err returns any error encountered during iteration.
func (it *DocumentIterator) Err() error { return it.err }

// Truncate shrinks the partition to the given logical size. A no-op if
// after >= the current size.
func (p *Partition) Truncate(after int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if after < 0 {
		after = 0
	}
	if after >= p.size {
		return nil
	}
	if err := p.flushLocked(); err != nil {
		return err
	}

	prevSize := p.size
	if err := p.f.Truncate(int64(headerSize) + after); err != nil {
		return errors.Wrap(err, "failed to truncate partition")
	}
	p.size = after
	p.readBufLen = 0

	if p.onTruncate != nil {
		p.onTruncate(TruncateEvent{PartitionID: p.id, PrevSize: prevSize, NewSize: after})
	}
	return nil
}

// Close flushes pending writes and releases the partition's file handle
// and buffers.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	err := p.flushLocked()
	p.closed = true
	p.writeBuf = nil
	p.readBuf = nil
	if cerr := p.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// recover walks the documents forward from the start of the body to find
// the end of the last complete one, truncating away any trailing torn
// write left by a crash
// between a previous process's buffered write and its flush. It uses a
// transient read-only memory mapping for the scan since the whole file is
// examined once and then discarded.
func (p *Partition) recover() error {
	info, err := p.f.Stat()
	if err != nil {
		return err
	}
	bodySize := info.Size() - headerSize
	if bodySize <= 0 {
		return nil
	}

	mapSize := info.Size()
	mm, err := gommap.Map(p.f.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		// Fall back to plain reads if mmap is unavailable (e.g. empty file
		// edge cases on some platforms); correctness does not depend on mmap.
		return p.recoverWithoutMmap(bodySize)
	}
	defer mm.UnsafeUnmap()
	if int64(len(mm)) < mapSize {
		return p.recoverWithoutMmap(bodySize)
	}

	lastGood := int64(0)
	pos := int64(0)
	for pos+lenDigits < bodySize {
		lenBuf := mm[headerSize+pos : headerSize+pos+lenDigits]
		n, perr := parseLength(lenBuf)
		if perr != nil {
			break
		}
		end := pos + int64(framingLen) + int64(n)
		if end > bodySize {
			break
		}
		if mm[headerSize+end-1] != '\n' {
			break
		}
		pos = end
		lastGood = pos
	}

	if lastGood < bodySize {
		p.log.WithFields(log.Fields{"kept": lastGood, "discarded": bodySize - lastGood}).
			Warn("truncating torn write found during recovery")
		if err := p.f.Truncate(headerSize + lastGood); err != nil {
			return errors.Wrap(err, "failed to truncate torn write")
		}
	}
	p.size = lastGood
	return nil
}

func (p *Partition) recoverWithoutMmap(bodySize int64) error {
	lastGood := int64(0)
	pos := int64(0)
	lenBuf := make([]byte, lenDigits)
	for pos+lenDigits < bodySize {
		if _, err := p.f.ReadAt(lenBuf, headerSize+pos); err != nil {
			break
		}
		n, perr := parseLength(lenBuf)
		if perr != nil {
			break
		}
		end := pos + int64(framingLen) + int64(n)
		if end > bodySize {
			break
		}
		nl := make([]byte, 1)
		if _, err := p.f.ReadAt(nl, headerSize+end-1); err != nil || nl[0] != '\n' {
			break
		}
		pos = end
		lastGood = pos
	}
	if lastGood < bodySize {
		if err := p.f.Truncate(headerSize + lastGood); err != nil {
			return errors.Wrap(err, "failed to truncate torn write")
		}
	}
	p.size = lastGood
	return nil
}
