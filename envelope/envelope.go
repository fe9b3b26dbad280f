// Package envelope defines the transport message exchanged between clients
// and command routers, and its byte framing for raw (link-less) sends.
//
// An envelope is a string title plus opaque content bytes. Requests travel
// under the command name; replies come back under "<command>_response". The
// optional correlation id ties a link-less reply to the pending request that
// produced it — link-carried requests use the link's own pairing instead and
// leave it empty.
//
// Frame layout:
//
//	0      3  4        6         6+t          7+t+c        11+t+c
//	┌──────┬──┬────────┬─────────┬──────┬─────┬────────────┬─────────┐
//	│magic │v │titleLen│  title  │corrLn│corr │ contentLen │ content │
//	│ mre  │01│ uint16 │ t bytes │uint8 │     │   uint32   │         │
//	└──────┴──┴────────┴─────────┴──────┴─────┴────────────┴─────────┘
package envelope

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	magic0  byte = 0x6D // 'm'
	magic1  byte = 0x72 // 'r'
	magic2  byte = 0x65 // 'e'
	version byte = 0x01

	// fixed part: 3 magic + 1 version + 2 titleLen + 1 corrLen + 4 contentLen
	fixedSize = 11
)

// ResponseSuffix is appended to a command name to form its reply title.
const ResponseSuffix = "_response"

// DefaultMaxPayload bounds the content of an inbound envelope unless the
// router is configured otherwise.
const DefaultMaxPayload = 1024 * 1024 // 1MB

// AuthField is the reserved mapping key carrying the shared auth token.
// Routers strip it before validation-by-shape; clients merge it into
// outgoing mapping payloads.
const AuthField = "auth_token"

// Envelope carries one request or reply.
type Envelope struct {
	Title         string // command name, or "<command>_response"
	CorrelationID string // empty for link-carried traffic
	Content       []byte // canonical payload bytes, may be empty
}

// Request builds a request envelope for a command.
func Request(command string, corr string, content []byte) *Envelope {
	return &Envelope{Title: command, CorrelationID: corr, Content: content}
}

// Response builds the reply envelope for a request, echoing its correlation
// id.
func Response(req *Envelope, content []byte) *Envelope {
	return &Envelope{
		Title:         req.Title + ResponseSuffix,
		CorrelationID: req.CorrelationID,
		Content:       content,
	}
}

// IsResponse reports whether the title names a reply.
func (e *Envelope) IsResponse() bool {
	return strings.HasSuffix(e.Title, ResponseSuffix)
}

// Command returns the command name, stripping the response suffix if
// present.
func (e *Envelope) Command() string {
	return strings.TrimSuffix(e.Title, ResponseSuffix)
}

// Marshal serializes the envelope into a single frame.
func (e *Envelope) Marshal() ([]byte, error) {
	if len(e.Title) > 0xFFFF {
		return nil, fmt.Errorf("envelope: title of %d bytes", len(e.Title))
	}
	if len(e.CorrelationID) > 0xFF {
		return nil, fmt.Errorf("envelope: correlation id of %d bytes", len(e.CorrelationID))
	}

	buf := make([]byte, fixedSize+len(e.Title)+len(e.CorrelationID)+len(e.Content))
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, magic2, version

	offset := 4
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(e.Title)))
	offset += 2
	copy(buf[offset:], e.Title)
	offset += len(e.Title)

	buf[offset] = byte(len(e.CorrelationID))
	offset++
	copy(buf[offset:], e.CorrelationID)
	offset += len(e.CorrelationID)

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(e.Content)))
	offset += 4
	copy(buf[offset:], e.Content)

	return buf, nil
}

// Unmarshal parses a frame. It validates the magic bytes and version so
// stray traffic on a shared destination is rejected early.
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) < fixedSize {
		return nil, fmt.Errorf("envelope: frame of %d bytes is too short", len(data))
	}
	if data[0] != magic0 || data[1] != magic1 || data[2] != magic2 {
		return nil, fmt.Errorf("envelope: bad magic % X", data[0:3])
	}
	if data[3] != version {
		return nil, fmt.Errorf("envelope: unsupported version %d", data[3])
	}

	offset := 4
	titleLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if len(data) < offset+titleLen+1 {
		return nil, fmt.Errorf("envelope: truncated title")
	}
	title := string(data[offset : offset+titleLen])
	offset += titleLen

	corrLen := int(data[offset])
	offset++
	if len(data) < offset+corrLen+4 {
		return nil, fmt.Errorf("envelope: truncated correlation id")
	}
	corr := string(data[offset : offset+corrLen])
	offset += corrLen

	contentLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if len(data) != offset+contentLen {
		return nil, fmt.Errorf("envelope: content length %d does not match frame", contentLen)
	}
	content := make([]byte, contentLen)
	copy(content, data[offset:])

	return &Envelope{Title: title, CorrelationID: corr, Content: content}, nil
}
