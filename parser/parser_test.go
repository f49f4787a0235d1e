package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser(scanner ScanLineFunc) (*Parser, *[]string, *[]string) {
	var urcs []string
	var bodies []string
	p := New(
		func(line string) { urcs = append(urcs, line) },
		func(body []byte, ok bool) {
			tag := "OK"
			if !ok {
				tag = "ERR"
			}
			bodies = append(bodies, tag+":"+string(body))
		},
	)
	if scanner != nil {
		p.SetScanner(scanner)
	}
	return p, &urcs, &bodies
}

func TestPlainOK(t *testing.T) {
	p, _, bodies := newTestParser(nil)
	p.AwaitResponse()
	p.Feed([]byte("\r\nOK\r\n"))
	require.Len(t, *bodies, 1)
	assert.Equal(t, "OK:", (*bodies)[0])
	assert.Equal(t, Idle, p.State())
}

func TestInfoThenOK(t *testing.T) {
	p, _, bodies := newTestParser(nil)
	p.AwaitResponse()
	p.Feed([]byte("\r\n+CSQ: 20,0\r\n\r\nOK\r\n"))
	require.Len(t, *bodies, 1)
	assert.Equal(t, "OK:+CSQ: 20,0", (*bodies)[0])
}

func TestErrorResponse(t *testing.T) {
	p, _, bodies := newTestParser(nil)
	p.AwaitResponse()
	p.Feed([]byte("\r\nERROR\r\n"))
	require.Len(t, *bodies, 1)
	assert.Equal(t, "ERR:", (*bodies)[0])
}

func TestCMEError(t *testing.T) {
	p, _, bodies := newTestParser(nil)
	p.AwaitResponse()
	p.Feed([]byte("\r\n+CME ERROR: 10\r\n"))
	require.Len(t, *bodies, 1)
	assert.Equal(t, "ERR:+CME ERROR: 10", (*bodies)[0])
}

func TestURCWhileIdle(t *testing.T) {
	p, urcs, bodies := newTestParser(nil)
	p.Feed([]byte("RING\r\n"))
	assert.Equal(t, []string{"RING"}, *urcs)
	assert.Empty(t, *bodies)
	assert.Equal(t, Idle, p.State())
}

func TestURCDuringCommand(t *testing.T) {
	p, urcs, bodies := newTestParser(nil)
	p.AwaitResponse()
	p.Feed([]byte("RING\r\n\r\nOK\r\n"))
	assert.Equal(t, []string{"RING"}, *urcs)
	require.Len(t, *bodies, 1)
	assert.Equal(t, "OK:", (*bodies)[0])
}

func TestDriverScannerOverridesGeneric(t *testing.T) {
	scanner := func(line string) ResponseType {
		if line == "+CUSTOM: 1" {
			return URC
		}
		return Unknown
	}
	p, urcs, bodies := newTestParser(scanner)
	p.AwaitResponse()
	p.Feed([]byte("+CUSTOM: 1\r\n\r\nOK\r\n"))
	assert.Equal(t, []string{"+CUSTOM: 1"}, *urcs)
	require.Len(t, *bodies, 1)
}

func TestDataPromptScenario(t *testing.T) {
	// arm a dataprompt, the modem sends "> " with no trailing newline; the
	// generic classifier recognizes the exact match as FinalOk so the
	// caller can proceed to write the raw/hex payload.
	p, _, bodies := newTestParser(nil)
	p.ExpectDataPrompt("> ")
	p.AwaitResponse()
	assert.Equal(t, DataPrompt, p.State())
	p.Feed([]byte("> "))
	require.Len(t, *bodies, 1)
	assert.Equal(t, "OK:", (*bodies)[0])
	assert.Equal(t, Idle, p.State())
}

func TestRawDataFollows(t *testing.T) {
	scanner := func(line string) ResponseType {
		if line == "+CIPRXGET: 2,0,4,0" {
			return RawDataFollows(4)
		}
		return Unknown
	}
	p, _, bodies := newTestParser(scanner)
	p.AwaitResponse()
	p.Feed([]byte("\r\n+CIPRXGET: 2,0,4,0\r\n"))
	assert.Equal(t, RawData, p.State())
	p.Feed([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	assert.Equal(t, ReadLine, p.State())
	p.Feed([]byte("\r\nOK\r\n"))
	require.Len(t, *bodies, 1)
	assert.Equal(t, "OK:+CIPRXGET: 2,0,4,0\n\xde\xad\xbe\xef", (*bodies)[0])
}

func TestRawDataChunkedAcrossFeeds(t *testing.T) {
	scanner := func(line string) ResponseType {
		if line == "+CIPRXGET: 2,0,4,0" {
			return RawDataFollows(4)
		}
		return Unknown
	}
	p, _, bodies := newTestParser(scanner)
	p.AwaitResponse()
	p.Feed([]byte("+CIPRXGET: 2,0,4,0\r\n"))
	p.Feed([]byte{0xDE, 0xAD})
	p.Feed([]byte{0xBE, 0xEF})
	p.Feed([]byte("\r\nOK\r\n"))
	require.Len(t, *bodies, 1)
	assert.Equal(t, "OK:+CIPRXGET: 2,0,4,0\n\xde\xad\xbe\xef", (*bodies)[0])
}

func TestHexDataFollows(t *testing.T) {
	scanner := func(line string) ResponseType {
		if line == "4,0" {
			return HexDataFollows(2)
		}
		return Unknown
	}
	p, _, bodies := newTestParser(scanner)
	p.AwaitResponse()
	p.Feed([]byte("4,0\r\n"))
	assert.Equal(t, HexData, p.State())
	p.Feed([]byte("CAFE\r\n"))
	assert.Equal(t, ReadLine, p.State())
	p.Feed([]byte("OK\r\n"))
	require.Len(t, *bodies, 1)
	assert.Equal(t, "OK:4,0\n\xca\xfe", (*bodies)[0])
}

func TestHexDataNibbleHeldAcrossFeeds(t *testing.T) {
	scanner := func(line string) ResponseType {
		if line == "1" {
			return HexDataFollows(1)
		}
		return Unknown
	}
	p, _, bodies := newTestParser(scanner)
	p.AwaitResponse()
	p.Feed([]byte("1\r\n"))
	p.Feed([]byte("C"))
	assert.Equal(t, HexData, p.State())
	p.Feed([]byte("A\r\nOK\r\n"))
	require.Len(t, *bodies, 1)
	assert.Equal(t, "OK:1\n\xca", (*bodies)[0])
}

func TestFeedChunkingInvariance(t *testing.T) {
	whole := "\r\n+CSQ: 20,0\r\n\r\nOK\r\n"

	p1, _, b1 := newTestParser(nil)
	p1.AwaitResponse()
	p1.Feed([]byte(whole))

	p2, _, b2 := newTestParser(nil)
	p2.AwaitResponse()
	for i := 0; i < len(whole); i++ {
		p2.Feed([]byte{whole[i]})
	}

	assert.Equal(t, *b1, *b2)
}

func TestOverflowTruncatesSilently(t *testing.T) {
	p := New(nil, func(body []byte, ok bool) {}, WithBufferSize(8))
	p.AwaitResponse()
	p.Feed([]byte("0123456789\r\n"))
	assert.LessOrEqual(t, p.current, p.used)
	assert.Less(t, p.used, len(p.buf))
}

func TestResetClearsBufferAndState(t *testing.T) {
	p, _, bodies := newTestParser(nil)
	p.AwaitResponse()
	p.Feed([]byte("\r\nOK\r\n"))
	require.Len(t, *bodies, 1)
	assert.Equal(t, Idle, p.State())
	assert.Equal(t, 0, p.used)
	assert.Equal(t, 0, p.current)
}

func TestBufferInvariantHoldsThroughout(t *testing.T) {
	p, _, _ := newTestParser(nil)
	p.AwaitResponse()
	for _, b := range []byte("\r\n+CSQ: 20,0\r\n\r\nOK\r\n") {
		p.Feed([]byte{b})
		assert.True(t, p.current >= 0)
		assert.True(t, p.current <= p.used)
		assert.True(t, p.used < len(p.buf))
	}
}

func TestEmptyLinesAreIgnored(t *testing.T) {
	p, _, bodies := newTestParser(nil)
	p.AwaitResponse()
	p.Feed([]byte("\r\n\r\n\r\nOK\r\n"))
	require.Len(t, *bodies, 1)
	assert.Equal(t, "OK:", (*bodies)[0])
}
