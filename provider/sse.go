package provider

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// streamParser handles the payload of one "data:" line. It returns the
// event to forward, if any, and whether the payload ended the stream.
type streamParser func(data string) (ev *StreamEvent, end bool)

// relaySSE feeds every data payload in body to parse and forwards the
// resulting events on ch. A body that ends before parse reports the end of
// the stream produces an error event naming the missing terminal. body and
// ch are always closed; nothing more is sent once ctx is done.
func relaySSE(ctx context.Context, name, terminal string, body io.ReadCloser, ch chan<- StreamEvent, parse streamParser) {
	defer func() { _ = body.Close() }()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		ev, end := parse(strings.TrimSpace(data))
		if ev != nil && !send(ctx, ch, *ev) {
			return
		}
		if end {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	msg := name + ": stream ended without " + terminal
	if err := scanner.Err(); err != nil {
		msg = name + ": read stream: " + err.Error()
	}
	send(ctx, ch, StreamEvent{Type: EventError, Error: msg})
}
