package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIncompleteLineReportsInitial(t *testing.T) {
	var p Parser
	cmd, consumed := p.Parse([]byte("get fo"))
	assert.Equal(t, Initial, cmd.State)
	assert.Equal(t, 0, consumed)
}

func TestParseGet(t *testing.T) {
	var p Parser
	buf := []byte("get foo\r\n")
	cmd, consumed := p.Parse(buf)
	require.Equal(t, CmdGet, cmd.State)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, "foo", string(cmd.Key))
}

func TestParseSet(t *testing.T) {
	var p Parser
	line := "set foo 1 0 3\r\n"
	buf := []byte(line + "bar\r\n")
	cmd, consumed := p.Parse(buf)
	require.Equal(t, CmdSet, cmd.State)
	assert.Equal(t, len(line), consumed)
	assert.Equal(t, "foo", string(cmd.Key))
	assert.EqualValues(t, 1, cmd.Flags)
	assert.Equal(t, 3, cmd.BlobSize)
	assert.Equal(t, len(line), cmd.BlobStart)
	assert.Equal(t, "bar", string(buf[cmd.BlobStart:cmd.BlobStart+cmd.BlobSize]))
}

func TestParseGetWrongFieldCountIsError(t *testing.T) {
	var p Parser
	buf := []byte("get foo bar\r\n")
	cmd, consumed := p.Parse(buf)
	assert.Equal(t, Error, cmd.State)
	assert.Equal(t, len(buf), consumed, "an error consumes the whole buffer, not just the line")
}

// TestParseErrorConsumesTrailingPipelinedBytes pins the decision recorded in
// SPEC_FULL.md §4.3: a malformed line discards everything currently
// buffered, including a well-formed command pipelined right behind it in
// the same read, rather than resyncing on the next line.
func TestParseErrorConsumesTrailingPipelinedBytes(t *testing.T) {
	cases := map[string]string{
		"wrong field count": "get foo bar\r\nget baz\r\n",
		"unknown command":   "frobnicate foo\r\nget baz\r\n",
		"bad key":           "get \r\nget baz\r\n",
		"bad set flags":     "set foo x 0 3\r\nbar\r\nget baz\r\n",
	}
	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			var p Parser
			cmd, consumed := p.Parse([]byte(buf))
			assert.Equal(t, Error, cmd.State)
			assert.Equal(t, len(buf), consumed, "error must consume the whole buffer, not resync on the next line")
		})
	}
}

func TestParseUnknownCommandIsError(t *testing.T) {
	var p Parser
	buf := []byte("frobnicate foo\r\n")
	cmd, consumed := p.Parse(buf)
	assert.Equal(t, Error, cmd.State)
	assert.Equal(t, len(buf), consumed)
}

func TestParseBareLFWithoutCRIsError(t *testing.T) {
	var p Parser
	buf := []byte("get foo\n")
	cmd, consumed := p.Parse(buf)
	assert.Equal(t, Error, cmd.State)
	assert.Equal(t, len(buf), consumed)
}

// Property 4: for any protocol byte stream and any way of splitting it into
// chunks delivered in order, the sequence of parsed commands from
// incrementally re-parsing is identical to parsing the whole thing at once.
func TestParseIsChunkingInvariant(t *testing.T) {
	full := []byte("get foo\r\nset bar 0 0 2\r\nhi\r\nget bar\r\n")

	wholeCmds := parseAll(t, full)

	for split := 1; split < len(full); split++ {
		chunked := parseChunked(t, full, split)
		require.Equal(t, len(wholeCmds), len(chunked), "split at %d produced a different command count", split)
		for i := range wholeCmds {
			assert.Equal(t, wholeCmds[i].State, chunked[i].State, "split at %d", split)
			assert.Equal(t, string(wholeCmds[i].Key), string(chunked[i].Key), "split at %d", split)
		}
	}
}

// parseAll drives the parser over a fully buffered stream, consuming one
// command (and, for set, its blob) per call the way package shard would.
func parseAll(t *testing.T, buf []byte) []Command {
	t.Helper()
	var p Parser
	var cmds []Command
	for len(buf) > 0 {
		cmd, consumed := p.Parse(buf)
		if cmd.State == Initial {
			t.Fatalf("unexpected incomplete parse of a fully buffered stream")
		}
		if cmd.State == CmdSet {
			consumed += cmd.BlobSize + len(separator)
		}
		cmds = append(cmds, cmd)
		buf = buf[consumed:]
	}
	return cmds
}

// parseChunked feeds full to the parser in two pieces, split at splitAt,
// re-parsing the accumulated buffer whenever a call reports Initial — the
// restart contract package shard relies on.
func parseChunked(t *testing.T, full []byte, splitAt int) []Command {
	t.Helper()
	var p Parser
	var buffered []byte
	var cmds []Command
	chunks := [][]byte{full[:splitAt], full[splitAt:]}
	for _, chunk := range chunks {
		buffered = append(buffered, chunk...)
		for {
			cmd, consumed := p.Parse(buffered)
			if cmd.State == Initial {
				break
			}
			need := consumed
			if cmd.State == CmdSet {
				need += cmd.BlobSize + len(separator)
			}
			if need > len(buffered) {
				break
			}
			cmds = append(cmds, Command{State: cmd.State, Key: append([]byte(nil), cmd.Key...)})
			buffered = buffered[need:]
		}
	}
	return cmds
}
