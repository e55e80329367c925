package logmem

import "encoding/binary"

// headerSize is the fixed, per-build object header: a uint32 key length, a
// uint32 blob length and a one-byte expiration flag, laid out contiguously
// ahead of the key and blob bytes with no padding. Modeled on
// sphinx::logmem::Object's three uint32_t fields (key size, blob size,
// expiration), shrunk to a single byte for the boolean expiration flag.
const headerSize = 4 + 4 + 1

const (
	offKeyLen  = 0
	offBlobLen = 4
	offExpired = 8
	offKey     = headerSize
)

// sizeOf returns the number of bytes an object made of key and blob would
// occupy in a segment, mirroring Object::size_of in logmem.h/.cpp.
func sizeOf(keyLen, blobLen int) int {
	return headerSize + keyLen + blobLen
}

// writeObject encodes key and blob as a fresh, non-expired object at the
// start of dst, which must be at least sizeOf(len(key), len(blob)) bytes.
func writeObject(dst, key, blob []byte) {
	binary.LittleEndian.PutUint32(dst[offKeyLen:], uint32(len(key)))
	binary.LittleEndian.PutUint32(dst[offBlobLen:], uint32(len(blob)))
	dst[offExpired] = 0
	n := copy(dst[offKey:], key)
	copy(dst[offKey+n:], blob)
}

// objectHeader is a decoded object header. readHeader decodes the header
// located at the start of buf (which may extend past the end of the object);
// it does not copy key or blob bytes.
type objectHeader struct {
	keyLen  int
	blobLen int
	expired bool
}

func readHeader(buf []byte) objectHeader {
	return objectHeader{
		keyLen:  int(binary.LittleEndian.Uint32(buf[offKeyLen:])),
		blobLen: int(binary.LittleEndian.Uint32(buf[offBlobLen:])),
		expired: buf[offExpired] != 0,
	}
}

func (h objectHeader) size() int {
	return sizeOf(h.keyLen, h.blobLen)
}

func keyOf(buf []byte, h objectHeader) []byte {
	return buf[offKey : offKey+h.keyLen]
}

func blobOf(buf []byte, h objectHeader) []byte {
	start := offKey + h.keyLen
	return buf[start : start+h.blobLen]
}

func markExpired(buf []byte) {
	buf[offExpired] = 1
}
