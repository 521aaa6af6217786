package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLazyHeaderSink_DefersUntilFirstWrite(t *testing.T) {
	w := httptest.NewRecorder()
	sink := &lazyHeaderSink{w: w, f: w, setHeaders: func(h http.Header) {
		h.Set("Content-Type", "text/event-stream")
	}}

	sink.Flush()
	assert.Equal(t, 200, w.Code)
	assert.Empty(t, w.Header().Get("Content-Type"))

	_, err := sink.Write([]byte("data: hi\n\n"))
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "data: hi\n\n", w.Body.String())
}

func TestTeeRaw_ZeroByteIdleTimeoutReportsNoBytesForwarded(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	w := httptest.NewRecorder()
	sink := &rawTee{w: w, f: w}

	out := teeRaw(context.Background(), pr, sink, 10*time.Millisecond)

	assert.True(t, out.IdleTimeout)
	assert.False(t, out.BytesForwarded)
}

func TestTeeRaw_ForwardsDataLinesAndMarksBytesForwarded(t *testing.T) {
	upstream := strings.NewReader("data: {\"x\":1}\n\ndata: [DONE]\n\n")

	w := httptest.NewRecorder()
	sink := &rawTee{w: w, f: w}

	out := teeRaw(context.Background(), upstream, sink, time.Second)

	assert.False(t, out.IdleTimeout)
	assert.True(t, out.BytesForwarded)
	assert.Contains(t, w.Body.String(), `data: {"x":1}`)
	assert.Contains(t, w.Body.String(), "data: [DONE]")
}
