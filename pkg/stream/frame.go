package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ContentTypeEventStream is the MIME type of an SSE feed.
const ContentTypeEventStream = "text/event-stream"

// MaxFrameSize is the largest line, without its terminator, the reader accepts.
const MaxFrameSize = 1 << 20 // 1MB

// SSE field prefixes.
const (
	fieldEvent   = "event:"
	fieldData    = "data:"
	fieldID      = "id:"
	fieldComment = ":"
)

var (
	// ErrInvalidFrame is returned by WriteFrame when a field contains a line break.
	ErrInvalidFrame = errors.New("invalid SSE frame")

	// ErrFrameTooLarge is returned by Reader.Next for a skipped oversized frame.
	ErrFrameTooLarge = errors.New("SSE frame exceeds maximum size")
)

// Frame is one dispatched SSE message.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// Name returns the event name, defaulting to "message" as browsers do.
func (f Frame) Name() string {
	if f.Event == "" {
		return "message"
	}
	return f.Event
}

// Reader splits an SSE body into frames.
type Reader struct {
	br *bufio.Reader
}

// NewReader creates a frame reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete frame. It returns io.EOF when the stream
// ends; a trailing frame without its blank line is discarded.
//
// A frame holding a line longer than MaxFrameSize is skipped up to its
// blank line and reported as ErrFrameTooLarge. The reader stays usable.
func (r *Reader) Next() (Frame, error) {
	var (
		frame     Frame
		data      []string
		pending   bool
		oversized bool
	)
	for {
		line, tooLong, err := r.readLine()
		if err != nil {
			return Frame{}, err
		}
		if tooLong {
			oversized = true
			continue
		}

		if line == "" {
			if oversized {
				return Frame{}, ErrFrameTooLarge
			}
			if !pending {
				continue
			}
			frame.Data = strings.Join(data, "\n")
			return frame, nil
		}
		if oversized || strings.HasPrefix(line, fieldComment) {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			frame.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		case "id":
			frame.ID = value
			pending = true
		}
	}
}

// readLine returns the next line without its terminator. A line over
// MaxFrameSize is consumed but not kept, and the second result is true.
// An unterminated last line is dropped with the read error.
func (r *Reader) readLine() (string, bool, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLong {
			buf = append(buf, chunk...)
			if len(buf) > MaxFrameSize+2 {
				tooLong, buf = true, nil
			}
		}
		switch {
		case err == nil:
			line := strings.TrimSuffix(strings.TrimSuffix(string(buf), "\n"), "\r")
			if tooLong || len(line) > MaxFrameSize {
				return "", true, nil
			}
			return line, false, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return "", tooLong, err
		}
	}
}

// splitField splits "name: value", removing one leading space from value.
func splitField(line string) (string, string) {
	name, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return name, strings.TrimPrefix(value, " ")
}

// WriteFrame writes f in SSE wire format, followed by the dispatching blank line.
func WriteFrame(w io.Writer, f Frame) error {
	if strings.ContainsAny(f.Event, "\r\n") || strings.ContainsAny(f.ID, "\r\n") {
		return ErrInvalidFrame
	}

	var sb strings.Builder
	if f.Event != "" {
		sb.WriteString(fieldEvent)
		sb.WriteByte(' ')
		sb.WriteString(f.Event)
		sb.WriteByte('\n')
	}
	if f.ID != "" {
		sb.WriteString(fieldID)
		sb.WriteByte(' ')
		sb.WriteString(f.ID)
		sb.WriteByte('\n')
	}
	// Split multiline data into multiple data: fields
	for _, line := range strings.Split(f.Data, "\n") {
		sb.WriteString(fieldData)
		sb.WriteByte(' ')
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')

	_, err := io.WriteString(w, sb.String())
	return err
}
