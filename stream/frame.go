package stream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// DataPrefix marks a payload-carrying line.
	DataPrefix = "data:"

	TypeDone  = "done"
	TypeError = "error"
)

var (
	// ErrFraming reports a data line that is not a valid tagged record.
	ErrFraming = errors.New("stream: framing violation")
	// ErrTransport reports a connection, status or premature end-of-stream failure.
	ErrTransport = errors.New("stream: transport failure")
)

// Frame is one parsed data line: either a terminal {"type":"done"}, a remote
// {"type":"error","message":...}, or a {"payload":"..."} fragment.
type Frame struct {
	Type       string
	Payload    string
	Message    string
	HasPayload bool
}

// Done reports whether the frame ends the stream successfully.
func (f Frame) Done() bool { return f.Type == TypeDone }

// dataOf returns the JSON part of a data line and whether the line is one.
func dataOf(line string) (string, bool) {
	if !strings.HasPrefix(line, DataPrefix) {
		return "", false
	}
	return strings.TrimLeft(line[len(DataPrefix):], " \t"), true
}

// ParseFrame decodes the JSON that follows the data prefix.
func ParseFrame(data string) (Frame, error) {
	data = strings.TrimSpace(data)
	if !gjson.Valid(data) {
		return Frame{}, fmt.Errorf("%w: invalid json %q", ErrFraming, truncate(data, 64))
	}
	rec := gjson.Parse(data)
	if !rec.IsObject() {
		return Frame{}, fmt.Errorf("%w: expected object, got %q", ErrFraming, truncate(data, 64))
	}
	var f Frame
	if t := rec.Get("type"); t.Exists() {
		f.Type = t.String()
	}
	if p := rec.Get("payload"); p.Exists() {
		if p.Type != gjson.String {
			return Frame{}, fmt.Errorf("%w: payload is not a string", ErrFraming)
		}
		f.Payload = p.Str
		f.HasPayload = true
	}
	f.Message = rec.Get("message").String()
	if f.Type == "" && !f.HasPayload {
		return Frame{}, fmt.Errorf("%w: record has neither type nor payload", ErrFraming)
	}
	if f.Type != "" && f.Type != TypeDone && f.Type != TypeError && !f.HasPayload {
		return Frame{}, fmt.Errorf("%w: unknown record type %q", ErrFraming, f.Type)
	}
	return f, nil
}

// PayloadFrame encodes a text fragment as a wire frame, blank line included.
func PayloadFrame(text string) ([]byte, error) {
	return encode("payload", text)
}

// DoneFrame encodes the terminal frame.
func DoneFrame() []byte {
	b, _ := encode("type", TypeDone)
	return b
}

// ErrorFrame encodes a remote failure notice.
func ErrorFrame(message string) []byte {
	rec, _ := sjson.SetBytes(nil, "type", TypeError)
	rec, err := sjson.SetBytes(rec, "message", message)
	if err != nil {
		rec = []byte(`{"type":"error"}`)
	}
	return wrap(rec)
}

func encode(key, value string) ([]byte, error) {
	rec, err := sjson.SetBytes(nil, key, value)
	if err != nil {
		return nil, err
	}
	return wrap(rec), nil
}

func wrap(rec []byte) []byte {
	out := make([]byte, 0, len(rec)+len(DataPrefix)+3)
	out = append(out, DataPrefix...)
	out = append(out, ' ')
	out = append(out, rec...)
	out = append(out, '\n', '\n')
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
