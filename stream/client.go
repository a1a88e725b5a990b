package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Doer is the part of *http.Client the stream needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes a streaming exchange started by a POST with a JSON body.
type Request struct {
	URL    string
	Body   any
	Header http.Header
}

// Handle controls one running stream.
type Handle struct {
	in     *Ingester
	cancel context.CancelFunc
	closer func()
	done   chan struct{}
}

const readSize = 4 << 10

// Start resets in, then opens the stream in the background and feeds every
// read into in. It returns at once; progress is observed through in.
func Start(ctx context.Context, client Doer, req Request, in *Ingester) *Handle {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{in: in, cancel: cancel, done: make(chan struct{})}
	in.Reset()
	go func() {
		defer close(h.done)
		defer cancel()
		run(ctx, client, req, in)
	}()
	return h
}

func run(ctx context.Context, client Doer, req Request, in *Ingester) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		in.Fail(fmt.Errorf("%w: encode request: %w", ErrTransport, err))
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		in.Fail(fmt.Errorf("%w: %w", ErrTransport, err))
		return
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(httpReq)
	if err != nil {
		failOrCancel(ctx, in, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		in.Fail(fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, strings.TrimSpace(string(snippet))))
		return
	}

	readLoop(ctx, resp.Body, in)
}

// Produce runs produce on its own goroutine and ingests the wire frames it
// writes, exactly as if they had arrived over HTTP. produce should return
// once ctx is done.
func Produce(ctx context.Context, in *Ingester, produce func(ctx context.Context, w io.Writer) error) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	h := &Handle{
		in:     in,
		cancel: cancel,
		closer: func() { _ = pr.CloseWithError(context.Canceled) },
		done:   make(chan struct{}),
	}
	in.Reset()
	go func() {
		_ = pw.CloseWithError(produce(ctx, pw))
	}()
	go func() {
		defer close(h.done)
		defer cancel()
		defer pr.Close()
		readLoop(ctx, pr, in)
	}()
	return h
}

func readLoop(ctx context.Context, r io.Reader, in *Ingester) {
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && !in.Feed(buf[:n]) {
			return
		}
		if errors.Is(err, io.EOF) {
			in.Finish()
			return
		}
		if err != nil {
			failOrCancel(ctx, in, err)
			return
		}
	}
}

func failOrCancel(ctx context.Context, in *Ingester, err error) {
	if ctx.Err() != nil {
		in.Cancel()
		return
	}
	in.Fail(fmt.Errorf("%w: %w", ErrTransport, err))
}

// Cancel aborts the connection and waits for the reader to exit. The
// accumulated text is kept.
func (h *Handle) Cancel() {
	h.in.Cancel()
	h.cancel()
	if h.closer != nil {
		h.closer()
	}
	<-h.done
}

// Done is closed once the reader has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the stream ends and returns the final buffer.
func (h *Handle) Wait() Buffer {
	<-h.done
	return h.in.Snapshot()
}
