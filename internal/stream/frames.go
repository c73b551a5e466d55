// ABOUTME: Pull-based reader for newline-delimited event/data frames
// ABOUTME: Tolerant of frames split across read boundaries; malformed frames are skipped

package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// FrameType identifies a streaming wire frame
type FrameType string

const (
	FrameContent  FrameType = "content"
	FrameComplete FrameType = "complete"
	FrameError    FrameType = "error"
)

// Frame is one decoded unit of a streaming response
type Frame struct {
	Type  FrameType
	Delta string // set for content frames
	Error string // set for error frames
}

// framePayload mirrors the JSON carried on data lines. Terminal frames may
// omit text entirely; the session's accumulator is authoritative.
type framePayload struct {
	Delta string `json:"delta"`
	Error string `json:"error"`
}

// FrameReader lazily decodes frames from a streaming response body. The wire
// format is newline-delimited pairs:
//
//	event: <content|complete|error>
//	data: <json>
//
// with no frame length prefix. bufio handles frames split across read
// boundaries. Malformed or unrecognized frames are skipped silently for
// forward compatibility; they are never fatal.
type FrameReader struct {
	r            *bufio.Reader
	pendingEvent string
	eof          bool
}

// NewFrameReader wraps a streaming response body.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next well-formed frame, or io.EOF when the stream ends.
func (fr *FrameReader) Next() (*Frame, error) {
	for {
		if fr.eof {
			return nil, io.EOF
		}

		line, err := fr.r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// A final line without a trailing newline still counts.
				fr.eof = true
				if frame := fr.consumeLine(line); frame != nil {
					return frame, nil
				}
				return nil, io.EOF
			}
			return nil, err
		}

		if frame := fr.consumeLine(line); frame != nil {
			return frame, nil
		}
	}
}

// consumeLine feeds one wire line into the event/data state machine and
// returns a frame when the line completes one.
func (fr *FrameReader) consumeLine(line string) *Frame {
	line = strings.TrimRight(line, "\r\n")

	switch {
	case line == "":
		// Blank separator: discard any dangling event line.
		fr.pendingEvent = ""
		return nil

	case strings.HasPrefix(line, "event:"):
		fr.pendingEvent = strings.TrimSpace(line[len("event:"):])
		return nil

	case strings.HasPrefix(line, "data:"):
		eventType := fr.pendingEvent
		fr.pendingEvent = ""
		if eventType == "" {
			return nil // data without a preceding event line
		}

		var payload framePayload
		raw := strings.TrimSpace(line[len("data:"):])
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return nil // unparseable payload, skip
			}
		}

		switch FrameType(eventType) {
		case FrameContent:
			return &Frame{Type: FrameContent, Delta: payload.Delta}
		case FrameComplete:
			return &Frame{Type: FrameComplete}
		case FrameError:
			return &Frame{Type: FrameError, Error: payload.Error}
		default:
			return nil // unknown frame type, skip
		}

	default:
		return nil // unrecognized line, skip
	}
}
