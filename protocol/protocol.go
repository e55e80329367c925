// Package protocol implements the restartable memcache ASCII line parser
// described in sphinx::Protocol (protocol.h/.cpp, exercised by
// protocol_test.cpp): a pure function over whatever bytes are currently
// buffered, rather than a blocking reader like bufio.Scanner. The caller
// (package shard) owns buffering and re-invokes Parse with a larger slice
// whenever a call reports incomplete.
package protocol

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

// State is the terminal classification of one Parse call.
type State int

const (
	// Initial means buf did not contain a complete command line yet; the
	// caller must buffer more bytes and call Parse again with them appended.
	Initial State = iota
	// CmdSet is a complete, well-formed set command line.
	CmdSet
	// CmdGet is a complete, well-formed get command line.
	CmdGet
	// Error means buf's leading bytes do not match the grammar at all. Parse
	// then reports all of buf as consumed, so the caller replies ERROR and
	// discards everything buffered (or closes the connection).
	Error
)

func (s State) String() string {
	switch s {
	case Initial:
		return "Initial"
	case CmdSet:
		return "CmdSet"
	case CmdGet:
		return "CmdGet"
	case Error:
		return "Error"
	default:
		return "State(?)"
	}
}

const (
	MaxKeySize     = 250
	MaxItemSize    = 1 << 20 // 1 MiB; cmd/sphinxd's default -s is 2 MiB.
	MaxCommandLine = 1 << 12

	setCommand = "set"
	getCommand = "get"
)

var separator = []byte("\r\n")

var (
	// ErrMalformed is what validKey reports for a key that is empty, too
	// long, or contains whitespace/control bytes. Parse itself never returns
	// an error value: every grammar violation is reported as State Error.
	ErrMalformed = errors.New("malformed command")
)

// Command is the result of a successful Parse: a complete Set or Get line.
// Key aliases buf and is invalidated by the caller's next mutation of it;
// copy it out before Parse is called again over the same backing array.
type Command struct {
	State State

	Key []byte

	// Set only.
	Flags     uint32
	Exptime   int64
	BlobSize  int
	BlobStart int // offset into buf, the byte right after the line's \r\n.
}

// Parser is the restartable DFA. It carries no state between calls: every
// call parses from the start of buf, so the zero value is ready to use.
type Parser struct{}

// Parse scans buf for one complete memcache command line and reports how
// many bytes of buf were consumed.
//
// Contract:
//   - If buf has no complete line yet, returns State Initial and consumed
//     0; the caller must append more bytes and call Parse again over the
//     whole accumulated buffer. Once buf holds more than MaxCommandLine
//     bytes with no '\n', it is reported as State Error instead.
//   - On a well-formed set/get line, returns the matching state and the
//     number of bytes making up the line, through and including the \r\n
//     terminator (not including the set command's blob bytes — the shard
//     server is responsible for checking that BlobStart+BlobSize+2 bytes
//     are available before treating the command as complete).
//   - On any byte that does not match the grammar, returns State Error and
//     consumes the entire length of buf.
func (Parser) Parse(buf []byte) (cmd Command, consumed int) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		if len(buf) > MaxCommandLine {
			return Command{State: Error}, len(buf)
		}
		return Command{State: Initial}, 0
	}
	lineWithTerm := buf[:idx+1]
	if !bytes.HasSuffix(lineWithTerm, separator) {
		return Command{State: Error}, len(buf)
	}
	line := lineWithTerm[:len(lineWithTerm)-len(separator)]
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return Command{State: Error}, len(buf)
	}

	lineLen := idx + 1
	switch string(fields[0]) {
	case getCommand:
		return parseGet(fields[1:], lineLen, len(buf))
	case setCommand:
		return parseSet(fields[1:], lineLen, len(buf))
	default:
		return Command{State: Error}, len(buf)
	}
}

// parseGet and parseSet take both lineLen (the successful command's byte
// count, also used for BlobStart) and bufLen: every error return consumes
// bufLen, not lineLen, so a malformed line never leaves trailing bytes in
// the caller's buffer to be misparsed as a second, unrelated command (see
// Parse's own doc comment).
func parseGet(fields [][]byte, lineLen, bufLen int) (Command, int) {
	if len(fields) != 1 {
		return Command{State: Error}, bufLen
	}
	key, err := validKey(fields[0])
	if err != nil {
		return Command{State: Error}, bufLen
	}
	return Command{State: CmdGet, Key: key}, lineLen
}

func parseSet(fields [][]byte, lineLen, bufLen int) (Command, int) {
	if len(fields) != 4 {
		return Command{State: Error}, bufLen
	}
	key, err := validKey(fields[0])
	if err != nil {
		return Command{State: Error}, bufLen
	}
	flags, err := strconv.ParseUint(string(fields[1]), 10, 32)
	if err != nil {
		return Command{State: Error}, bufLen
	}
	// exptime is parsed only for wire compatibility; it is never applied to
	// a stored object's lifetime.
	exptime, err := strconv.ParseInt(string(fields[2]), 10, 64)
	if err != nil {
		return Command{State: Error}, bufLen
	}
	size, err := strconv.ParseUint(string(fields[3]), 10, 32)
	if err != nil || size > MaxItemSize {
		return Command{State: Error}, bufLen
	}
	return Command{
		State:     CmdSet,
		Key:       key,
		Flags:     uint32(flags),
		Exptime:   exptime,
		BlobSize:  int(size),
		BlobStart: lineLen,
	}, lineLen
}

func validKey(p []byte) ([]byte, error) {
	if len(p) == 0 || len(p) > MaxKeySize {
		return nil, ErrMalformed
	}
	for _, b := range p {
		if b <= ' ' || b == 127 {
			return nil, ErrMalformed
		}
	}
	return p, nil
}
