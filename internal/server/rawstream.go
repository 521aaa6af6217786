package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// rawTee is the Sink used for endpoints that stream but need no content
// accumulation for the audit record (legacy completions).
type rawTee struct {
	w io.Writer
	f http.Flusher
}

func (t *rawTee) Write(p []byte) (int, error) { return t.w.Write(p) }
func (t *rawTee) Flush()                      { t.f.Flush() }

// teeRaw forwards upstream SSE lines to sink verbatim, applying only the
// idle timeout and client-cancellation rules from spec §4.6, without
// running a background accumulator. out.BytesForwarded tells the caller
// whether committing to sink's backend is still revocable: per §4.6 a
// zero-byte idle timeout is fallback-eligible, one that already forwarded
// a byte is not.
func teeRaw(ctx context.Context, upstream io.Reader, sink *rawTee, idleTimeout time.Duration) (out struct{ Aborted, IdleTimeout, BytesForwarded bool }) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(upstream)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			out.Aborted = true
			return
		case <-timer.C:
			out.IdleTimeout = true
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			fmt.Fprintf(sink, "data: %s\n\n", strings.TrimPrefix(line, "data: "))
			sink.Flush()
			out.BytesForwarded = true
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleTimeout)
		}
	}
}

// lazyHeaderSink defers committing the response status line and headers
// until the first byte is actually ready to forward, so a zero-byte idle
// timeout never commits the client to this backend and the dispatcher can
// still fail over to the next candidate (spec.md §4.6).
type lazyHeaderSink struct {
	w          http.ResponseWriter
	f          http.Flusher
	setHeaders func(http.Header)
	committed  bool
}

func (s *lazyHeaderSink) Write(p []byte) (int, error) {
	if !s.committed {
		s.setHeaders(s.w.Header())
		s.w.WriteHeader(http.StatusOK)
		s.committed = true
	}
	return s.w.Write(p)
}

func (s *lazyHeaderSink) Flush() {
	if s.committed {
		s.f.Flush()
	}
}
