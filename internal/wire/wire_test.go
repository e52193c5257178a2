package wire_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangzy723/Rebuilt-PyTorch/internal/wire"
)

func TestParseRequest(t *testing.T) {
	req, err := wire.ParseRequest("GemmA|req_7|pytorch")
	require.NoError(t, err)
	assert.Equal(t, "GemmA", req.KernelType)
	assert.Equal(t, "req_7", req.RequestID)
	assert.Equal(t, "pytorch", req.Source)
	assert.Empty(t, req.UniqueID)

	req, err = wire.ParseRequest("GemmA|req_7|pytorch|u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", req.UniqueID)
}

func TestParseRequestMalformed(t *testing.T) {
	for _, line := range []string{"", "oops", "a|b"} {
		_, err := wire.ParseRequest(line)
		assert.ErrorIs(t, err, wire.ErrMalformed, "line %q", line)
	}
}

func TestBuildRequest(t *testing.T) {
	assert.Equal(t, "GemmA|req_7|pytorch\n", wire.BuildRequest(wire.Request{
		KernelType: "GemmA", RequestID: "req_7", Source: "pytorch",
	}))
	assert.Equal(t, "GemmA|req_7|pytorch|u1\n", wire.BuildRequest(wire.Request{
		KernelType: "GemmA", RequestID: "req_7", Source: "pytorch", UniqueID: "u1",
	}))
}

func TestResponseRoundTrip(t *testing.T) {
	line := wire.BuildResponse("req_7", true, "OK")
	assert.Equal(t, "req_7|1|OK\n", line)

	resp, err := wire.ParseResponse(wire.TrimLine(line))
	require.NoError(t, err)
	assert.Equal(t, "req_7", resp.RequestID)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "OK", resp.Reason)

	resp, err = wire.ParseResponse(wire.TrimLine(wire.BuildResponse("req_8", false, "quota exceeded")))
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, "quota exceeded", resp.Reason)
}

// Every response produced for request id X matches ^X|[01]|reason$.
func TestResponseShape(t *testing.T) {
	pattern := regexp.MustCompile(`^req_9\|[01]\|[^|]*\n$`)
	assert.Regexp(t, pattern, wire.BuildResponse("req_9", true, "OK"))
	assert.Regexp(t, pattern, wire.BuildResponse("req_9", false, ""))
}

func TestTrimLine(t *testing.T) {
	assert.Equal(t, "a|b|c", wire.TrimLine("a|b|c\n"))
	assert.Equal(t, "a|b|c", wire.TrimLine("a|b|c\r\n"))
	assert.Equal(t, "a|b|c", wire.TrimLine("a|b|c"))
}
