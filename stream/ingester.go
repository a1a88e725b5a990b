package stream

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// Status is the lifecycle state of one report stream.
type Status int

const (
	Idle Status = iota
	InProgress
	Complete
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in_progress"
	case Complete:
		return "complete"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the stream accepts no further input.
func (s Status) Terminal() bool {
	return s == Complete || s == Cancelled || s == Failed
}

// Buffer is a snapshot of the accumulated text and its status.
type Buffer struct {
	Text   string
	Status Status
	Err    error
}

// AppendResult describes what one line did to the buffer.
type AppendResult struct {
	Appended string
	Status   Status
	Ignored  bool
}

// Ingester assembles streamed fragments into one buffer. Input is expected
// from a single producer; snapshots and subscriptions may be used from any
// goroutine. Once the status is terminal every further input is ignored.
type Ingester struct {
	mu        sync.Mutex
	text      strings.Builder
	status    Status
	err       error
	partial   []byte
	nextSub   int
	listeners map[int]func(Buffer)
}

// NewIngester returns an idle ingester.
func NewIngester() *Ingester {
	return &Ingester{listeners: map[int]func(Buffer){}}
}

// Subscribe registers fn for every state change and returns a func that removes it.
// fn runs on the producing goroutine and must not call back into the Ingester's mutators.
func (in *Ingester) Subscribe(fn func(Buffer)) func() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.listeners == nil {
		in.listeners = map[int]func(Buffer){}
	}
	id := in.nextSub
	in.nextSub++
	in.listeners[id] = fn
	return func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		delete(in.listeners, id)
	}
}

// Snapshot returns the current buffer.
func (in *Ingester) Snapshot() Buffer {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.snapshotLocked()
}

func (in *Ingester) snapshotLocked() Buffer {
	return Buffer{Text: in.text.String(), Status: in.status, Err: in.err}
}

// Reset clears the buffer and marks the stream in progress.
func (in *Ingester) Reset() {
	in.mu.Lock()
	in.text.Reset()
	in.partial = nil
	in.err = nil
	in.status = InProgress
	in.unlockAndNotify()
}

// Feed accepts one physical read from the transport. Complete lines are
// processed in order; a trailing partial line is held until the next read.
// It reports whether the ingester still accepts input.
func (in *Ingester) Feed(p []byte) bool {
	in.mu.Lock()
	if in.status != InProgress {
		in.mu.Unlock()
		return false
	}
	data := append(in.partial, p...)
	in.partial = nil
	var lines []string
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(data[:i], []byte{'\r'})))
		data = data[i+1:]
	}
	if len(data) > 0 {
		in.partial = append([]byte(nil), data...)
	}
	in.mu.Unlock()

	for _, line := range lines {
		if in.OnLine(line).Status != InProgress {
			return false
		}
	}
	return true
}

// OnLine processes one complete transport line. Lines without the data
// prefix are ignored.
func (in *Ingester) OnLine(line string) AppendResult {
	in.mu.Lock()
	if in.status != InProgress {
		st := in.status
		in.mu.Unlock()
		return AppendResult{Status: st, Ignored: true}
	}
	data, ok := dataOf(line)
	if !ok {
		in.mu.Unlock()
		return AppendResult{Status: InProgress, Ignored: true}
	}

	frame, err := ParseFrame(data)
	switch {
	case err != nil:
		in.status, in.err = Failed, err
	case frame.Done():
		in.text.WriteString(frame.Payload)
		in.status = Complete
	case frame.Type == TypeError:
		in.text.WriteString(frame.Payload)
		msg := frame.Message
		if msg == "" {
			msg = "generation failed"
		}
		in.status, in.err = Failed, fmt.Errorf("%w: remote: %s", ErrTransport, msg)
	default:
		in.text.WriteString(frame.Payload)
	}
	res := AppendResult{Status: in.status}
	if in.status == InProgress {
		res.Appended = frame.Payload
	}
	in.unlockAndNotify()
	return res
}

// Finish handles end of transport. A pending partial line is processed as a
// final line; a stream that never saw its done frame is marked failed.
func (in *Ingester) Finish() {
	in.mu.Lock()
	rest := string(bytes.TrimSuffix(in.partial, []byte{'\r'}))
	in.partial = nil
	active := in.status == InProgress
	in.mu.Unlock()
	if !active {
		return
	}
	if rest != "" {
		in.OnLine(rest)
	}
	in.Fail(fmt.Errorf("%w: stream closed before done", ErrTransport))
}

// Fail marks the stream failed, keeping the partial buffer.
func (in *Ingester) Fail(err error) {
	in.terminate(Failed, err)
}

// Cancel marks the stream cancelled, keeping the partial buffer.
func (in *Ingester) Cancel() {
	in.terminate(Cancelled, nil)
}

func (in *Ingester) terminate(st Status, err error) {
	in.mu.Lock()
	if in.status.Terminal() {
		in.mu.Unlock()
		return
	}
	in.status, in.err = st, err
	in.partial = nil
	in.unlockAndNotify()
}

// unlockAndNotify releases mu, then delivers a snapshot to every listener.
func (in *Ingester) unlockAndNotify() {
	snap := in.snapshotLocked()
	fns := make([]func(Buffer), 0, len(in.listeners))
	for i := 0; i < in.nextSub; i++ {
		if fn, ok := in.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	in.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
