// Package events implements the gateway's canonical Server-Sent-Events frame
// format.
//
// Every frame the gateway emits — to clients, to the session store, and over
// pub/sub — is the exact byte sequence
//
//	event: <name>\ndata: <json>\nid: <uuid>\n\n
//
// with name one of content, end, error. Encoding is bit-exact; decoding is
// streaming and tolerant of arbitrary chunk boundaries.
package events

import (
	"bytes"
	"encoding/json"
)

// Type is the SSE event name.
type Type string

const (
	TypeContent Type = "content"
	TypeEnd     Type = "end"
	TypeError   Type = "error"
)

// Event is one decoded SSE frame. Data holds the canonical JSON payload:
// {"response":"<text>"} for content, {"response":{...}} for end,
// {"code":"...","message":"..."} for error.
type Event struct {
	Type Type            `json:"event"`
	Data json.RawMessage `json:"data"`
	ID   string          `json:"id"`
}

type contentPayload struct {
	Response string `json:"response"`
}

type endPayload struct {
	Response any `json:"response"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewContent builds a content frame carrying a text delta.
func NewContent(id, text string) Event {
	data, _ := json.Marshal(contentPayload{Response: text})
	return Event{Type: TypeContent, Data: data, ID: id}
}

// NewEnd builds the terminal end frame. response is the final response record
// ({text, result, sessionId}).
func NewEnd(id string, response any) Event {
	data, _ := json.Marshal(endPayload{Response: response})
	return Event{Type: TypeEnd, Data: data, ID: id}
}

// NewError builds the terminal error frame.
func NewError(id, code, message string) Event {
	data, _ := json.Marshal(errorPayload{Code: code, Message: message})
	return Event{Type: TypeError, Data: data, ID: id}
}

// ContentText extracts the text delta from a content frame. Returns "" for
// other frame types or malformed payloads.
func (e Event) ContentText() string {
	if e.Type != TypeContent {
		return ""
	}
	var p contentPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return ""
	}
	return p.Response
}

// Terminal reports whether the frame ends a stream.
func (e Event) Terminal() bool {
	return e.Type == TypeEnd || e.Type == TypeError
}

// Encode renders the frame in the canonical wire form.
func (e Event) Encode() []byte {
	var b bytes.Buffer
	b.Grow(len(e.Data) + len(e.ID) + 32)
	b.WriteString("event: ")
	b.WriteString(string(e.Type))
	b.WriteString("\ndata: ")
	b.Write(e.Data)
	b.WriteString("\nid: ")
	b.WriteString(e.ID)
	b.WriteString("\n\n")
	return b.Bytes()
}

// Decoder reassembles frames from an SSE byte stream. Feed may be called with
// chunks split at arbitrary positions; complete frames are returned as soon as
// their closing blank line arrives.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends p to the internal buffer and returns every frame completed by it.
func (d *Decoder) Feed(p []byte) []Event {
	d.buf.Write(p)

	var out []Event
	for {
		raw := d.buf.Bytes()
		i := bytes.Index(raw, []byte("\n\n"))
		if i < 0 {
			return out
		}
		block := make([]byte, i)
		copy(block, raw[:i])
		d.buf.Next(i + 2)

		if ev, ok := parseBlock(block); ok {
			out = append(out, ev)
		}
	}
}

// DecodeAll decodes a fully buffered SSE byte sequence.
func DecodeAll(p []byte) []Event {
	var d Decoder
	return d.Feed(p)
}

// parseBlock interprets one frame block (no trailing blank line).
//
//   - data that is not valid JSON is surfaced as a content event carrying the
//     raw text,
//   - unknown event names are dropped,
//   - a block with neither event nor data yields nothing.
func parseBlock(block []byte) (Event, bool) {
	var (
		name    string
		hasName bool
		data    []byte
		hasData bool
		id      string
	)

	for _, line := range bytes.Split(block, []byte("\n")) {
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimLeft(line[len("event:"):], " "))
			hasName = true
		case bytes.HasPrefix(line, []byte("data:")):
			data = bytes.TrimLeft(line[len("data:"):], " ")
			hasData = true
		case bytes.HasPrefix(line, []byte("id:")):
			id = string(bytes.TrimLeft(line[len("id:"):], " "))
		}
	}

	if !hasName && !hasData {
		return Event{}, false
	}

	typ := Type(name)
	if !hasName {
		typ = TypeContent
	}
	switch typ {
	case TypeContent, TypeEnd, TypeError:
	default:
		return Event{}, false // unknown event names are dropped
	}

	if !hasData {
		// Name but no payload: keep the frame type, e.g. a bare end marker.
		return Event{Type: typ, ID: id}, true
	}
	if !json.Valid(data) {
		return NewContent(id, string(data)), true
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Event{Type: typ, Data: raw, ID: id}, true
}
