package logmem

// segment is a fixed-size contiguous byte region holding zero or more
// objects back to back with no padding. Objects never span two segments.
// Modeled on sphinx::logmem::Segment (logmem.h/.cpp): a write cursor
// advancing monotonically from start to end, reset to start on recycle.
type segment struct {
	buf []byte
	pos int
}

func newSegment(size int) *segment {
	return &segment{buf: make([]byte, size)}
}

func (s *segment) isEmpty() bool { return s.pos == 0 }
func (s *segment) isFull() bool  { return s.pos == len(s.buf) }
func (s *segment) occupancy() int { return s.pos }
func (s *segment) remaining() int { return len(s.buf) - s.pos }

// reset returns the segment to the clean state: cursor back to start. It
// does not zero the backing array; any dangling index entries into this
// segment must already have been removed by the caller before reset.
func (s *segment) reset() { s.pos = 0 }

// append writes key and blob at the current cursor and returns the byte
// offset the object was written at. The caller must have already checked
// that the object fits (s.remaining() >= sizeOf(len(key), len(blob))).
func (s *segment) append(key, blob []byte) int {
	off := s.pos
	n := sizeOf(len(key), len(blob))
	writeObject(s.buf[off:off+n], key, blob)
	s.pos += n
	return off
}

// header returns the decoded header of the object at off.
func (s *segment) header(off int) objectHeader {
	return readHeader(s.buf[off:])
}

func (s *segment) key(off int, h objectHeader) []byte {
	return keyOf(s.buf[off:], h)
}

func (s *segment) blob(off int, h objectHeader) []byte {
	return blobOf(s.buf[off:], h)
}

func (s *segment) markExpired(off int) {
	markExpired(s.buf[off:])
}

// forEach walks every object laid out in the segment from start to the
// write cursor, in append order, calling fn(offset, header) for each.
func (s *segment) forEach(fn func(off int, h objectHeader)) {
	off := 0
	for off < s.pos {
		h := s.header(off)
		fn(off, h)
		off += h.size()
	}
}
