// Package logmem implements the log-structured memory allocator described
// in sphinx::logmem (logmem.h/.cpp): variable-length objects are appended
// contiguously into fixed-size segments, and space is reclaimed by expiring
// whole segments rather than by compacting live objects. Segments are
// arranged as a ring with a head (oldest in-use) and a tail (current write
// target); there is no live-object migration, so eviction is strictly FIFO
// over segments and recency of access does not protect a key. This is a
// deliberate simplification relative to the size-bucketed, compacting
// allocator in the original C++ source — see DESIGN.md.
package logmem

import (
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/penberg/sphinx/internal/tag"
)

// ErrObjectTooLarge names the condition in which a key+blob pair could never
// fit in any segment, regardless of reclamation. Append reports that case
// only by returning false; no function in this package returns this error.
var ErrObjectTooLarge = errors.New("object larger than segment size")

// addr locates an object inside the ring: which segment slot it lives in,
// and the byte offset within that segment's backing array.
type addr struct {
	slot int
	off  int
}

// Config configures a Log instance.
type Config struct {
	// SegmentSize is the fixed size, in bytes, of every segment.
	SegmentSize int
	// TotalSize is the total memory managed by the log. It is carved into
	// TotalSize/SegmentSize segments, rounded down; a result below 2 is
	// raised to 2 so the ring always has a tail and a free boundary slot.
	TotalSize int
	// Registry receives the log's counters. With a nil Registry the counters
	// are still recorded, and metrics.NewRegisteredCounter registers them
	// with go-metrics' DefaultRegistry instead.
	Registry metrics.Registry
}

// Log is a shard-local, single-owner collection of segments arranged as a
// ring, plus a key index. It is not safe for concurrent use: the
// shared-nothing execution model gives every worker core its own Log.
type Log struct {
	segmentSize int
	segments    []*segment
	head        int
	tail        int
	index       map[string]addr

	appends          metrics.Counter
	appendOOM        metrics.Counter
	removes          metrics.Counter
	reclaims         metrics.Counter
	bytesReclaimed   metrics.Counter
	segmentsRecycled metrics.Counter
}

// New constructs a Log over cfg.TotalSize bytes of memory cut into segments
// of cfg.SegmentSize bytes each, matching sphinx::logmem::Log's constructor,
// which slices a flat memory region into LogConfig.segment_size chunks.
func New(cfg Config) *Log {
	if cfg.SegmentSize <= headerSize {
		panic("segment size must be larger than the object header")
	}
	nrSegments := cfg.TotalSize / cfg.SegmentSize
	if nrSegments < 2 {
		nrSegments = 2
	}
	reg := cfg.Registry
	l := &Log{
		segmentSize:      cfg.SegmentSize,
		segments:         make([]*segment, nrSegments),
		index:            make(map[string]addr),
		appends:          metrics.NewRegisteredCounter("logmem.appends", reg),
		appendOOM:        metrics.NewRegisteredCounter("logmem.append_oom", reg),
		removes:          metrics.NewRegisteredCounter("logmem.removes", reg),
		reclaims:         metrics.NewRegisteredCounter("logmem.reclaims", reg),
		bytesReclaimed:   metrics.NewRegisteredCounter("logmem.bytes_reclaimed", reg),
		segmentsRecycled: metrics.NewRegisteredCounter("logmem.segments_recycled", reg),
	}
	for i := range l.segments {
		l.segments[i] = newSegment(cfg.SegmentSize)
	}
	return l
}

func (l *Log) ring() int { return len(l.segments) }

// Find returns a view onto the current object's blob bytes for key, or
// false if no live object holds that key. The returned slice aliases the
// segment's backing array and is invalidated by the next call to Append or
// Remove; callers that need to retain the data must copy it first.
func (l *Log) Find(key []byte) ([]byte, bool) {
	a, ok := l.index[string(key)]
	if !ok {
		return nil, false
	}
	seg := l.segments[a.slot]
	h := seg.header(a.off)
	return seg.blob(a.off, h), true
}

// Append stores key and blob as a new object, expiring any prior object
// under the same key. It returns false iff the pair can never fit in a
// segment, or the log is full and reclamation could not free enough room.
func (l *Log) Append(key, blob []byte) bool {
	need := sizeOf(len(key), len(blob))
	if need > l.segmentSize {
		return false
	}
	if l.appendOnce(key, blob, need) {
		l.appends.Inc(1)
		return true
	}
	if l.reclaim(need) < need {
		l.appendOOM.Inc(1)
		return false
	}
	ok := l.appendOnce(key, blob, need)
	if tag.Debug && !ok {
		panic("append failed immediately after reclaiming enough bytes")
	}
	if ok {
		l.appends.Inc(1)
	} else {
		l.appendOOM.Inc(1)
	}
	return ok
}

// appendOnce satisfies the request from the current tail segment, advancing
// the tail to the next ring slot at most once. This is the
// "one-segment-at-a-time" allocation behavior from spec §4.2.2: every
// append on a core is satisfied from the same segment until it is
// exhausted, and at most one segment transition happens per call.
func (l *Log) appendOnce(key, blob []byte, need int) bool {
	seg := l.segments[l.tail]
	if seg.remaining() < need {
		nextTail := (l.tail + 1) % l.ring()
		if nextTail == l.head {
			return false
		}
		l.tail = nextTail
		seg = l.segments[l.tail]
		if tag.Debug && !seg.isEmpty() {
			panic("advanced onto a non-clean segment")
		}
	}
	off := seg.append(key, blob)
	k := string(key)
	if old, existed := l.index[k]; existed {
		l.segments[old.slot].markExpired(old.off)
	}
	l.index[k] = addr{slot: l.tail, off: off}
	return true
}

// Remove expires the current object for key and deletes its index entry.
// It reports whether the key existed.
func (l *Log) Remove(key []byte) bool {
	a, ok := l.index[string(key)]
	if !ok {
		return false
	}
	l.segments[a.slot].markExpired(a.off)
	delete(l.index, string(key))
	l.removes.Inc(1)
	return true
}

// Reclaim runs reclamation directly, outside of an Append call, freeing at
// least target bytes or as many as are available. It returns the number of
// bytes actually freed. Exposed so a background worker can reclaim ahead of
// need rather than only reactively inside Append.
func (l *Log) Reclaim(target int) int {
	return l.reclaim(target)
}

// reclaim advances head forward, one segment at a time, until it has freed
// at least target bytes or runs out of victims (head == tail). It returns
// the number of bytes actually freed, which may be less than target.
func (l *Log) reclaim(target int) int {
	l.reclaims.Inc(1)
	freed := 0
	for freed < target && l.head != l.tail {
		freed += l.recycle(l.head)
		l.head = (l.head + 1) % l.ring()
	}
	l.bytesReclaimed.Inc(int64(freed))
	return freed
}

// recycle discards every live object in seg: non-expired objects have their
// index entry removed (the key ceases to exist in the cache), then the
// segment's cursor resets to start and it returns, clean, to the free pool
// implicit in the ring's head..tail gap. There is no attempt to save live
// objects by migrating them elsewhere; that is the compaction behavior this
// design intentionally omits.
func (l *Log) recycle(slot int) int {
	seg := l.segments[slot]
	freed := seg.occupancy()
	seg.forEach(func(off int, h objectHeader) {
		if h.expired {
			return
		}
		key := seg.key(off, h)
		if a, ok := l.index[string(key)]; ok && a.slot == slot && a.off == off {
			delete(l.index, string(key))
		}
	})
	seg.reset()
	l.segmentsRecycled.Inc(1)
	return freed
}
