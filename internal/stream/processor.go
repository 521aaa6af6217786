// Package stream implements the split-path SSE forwarder: bytes are
// written to the client as they arrive while a background task folds a
// copy into an Accumulator for the audit record. This is the Stream
// Processor (spec component C6).
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/praxisllmlab/relaygate/internal/logging"
)

// Sink is the latency-critical forward path: an SSE-capable response
// writer. Flush must push buffered bytes to the underlying connection
// immediately, matching http.Flusher.
type Sink interface {
	io.Writer
	Flush()
}

// Outcome is what the forward path learns once the stream ends.
type Outcome struct {
	Aborted        bool // client disconnected before the stream finished
	IdleTimeout    bool // no event arrived within the idle window
	BytesForwarded bool // true once any byte reached the client
}

// Process tees an upstream SSE body to sink while a background task folds
// events into acc. It returns as soon as the forward path ends (stream
// finished, client disconnected, or idle timeout elapsed) — it never waits
// for the accumulator to drain, so a slow fold can never stall request
// completion (§4.6, §5: "the outbound sink path never awaits the
// accumulator"). acc keeps accumulating in the background after Process
// returns; once it finishes, onDone is invoked exactly once with the same
// Outcome Process returned, from a goroutine distinct from the caller. Pass
// a nil onDone to discard the completion notification. special_prefix, if
// non-empty, is injected as a synthetic first event immediately before the
// first event whose delta content is non-empty (§4.6, §5 ordering
// guarantee), and is also folded into acc so the assembled content and the
// emitted bytes agree.
func Process(ctx context.Context, upstream io.Reader, sink Sink, prefix string, idleTimeout time.Duration, acc *Accumulator, onDone func(Outcome)) Outcome {
	queue := newUnboundedQueue()
	accDone := make(chan struct{})
	go func() {
		defer close(accDone)
		for e := range queue.out {
			switch {
			case e.done:
				return
			case e.prefix != "":
				acc.PrependPrefix(e.prefix)
			default:
				acc.Fold(e.data)
			}
		}
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(upstream)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	var out Outcome
	prefixInjected := prefix == ""
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

loop:
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idleTimeout)

		select {
		case <-ctx.Done():
			out.Aborted = true
			break loop

		case <-timer.C:
			out.IdleTimeout = true
			break loop

		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")

			if payload == "[DONE]" {
				fmt.Fprintf(sink, "data: [DONE]\n\n")
				sink.Flush()
				out.BytesForwarded = true
				queue.send(event{done: true})
				break loop
			}

			if !prefixInjected {
				if _, nonEmpty := peekContent([]byte(payload)); nonEmpty {
					fmt.Fprintf(sink, "data: %s\n\n", syntheticPrefixChunk(prefix))
					sink.Flush()
					queue.send(event{prefix: prefix})
					prefixInjected = true
				}
			}

			fmt.Fprintf(sink, "data: %s\n\n", payload)
			sink.Flush()
			out.BytesForwarded = true
			queue.send(event{data: []byte(payload)})
		}
	}

	queue.close()

	go func() {
		<-accDone
		acc.Finalize()

		select {
		case err := <-scanErr:
			if err != nil {
				logging.Warnf("stream: upstream scan error: %v", err)
			}
		default:
		}

		if onDone != nil {
			onDone(out)
		}
	}()

	return out
}

// peekContent extracts choices[0].delta.content from a raw SSE data
// payload without folding the whole chunk, so the forward path can decide
// whether to inject the special prefix without duplicating the
// accumulator's parse.
func peekContent(data []byte) (string, bool) {
	var probe struct {
		Choices []struct {
			Delta struct {
				Content *string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", false
	}
	if len(probe.Choices) == 0 || probe.Choices[0].Delta.Content == nil {
		return "", false
	}
	c := *probe.Choices[0].Delta.Content
	return c, c != ""
}

// syntheticPrefixChunk renders the synthetic SSE data payload carrying only
// the special prefix as a content delta.
func syntheticPrefixChunk(prefix string) string {
	b, _ := json.Marshal(struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}{
		Choices: []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		}{{Delta: struct {
			Content string `json:"content"`
		}{Content: prefix}}},
	})
	return string(b)
}
