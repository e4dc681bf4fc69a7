// Package onebot implements a client for the OneBot v11 WebSocket protocol:
// a correlated request/response channel over one persistent connection, with
// per-call timeouts, automatic reconnection, and demultiplexing of API
// responses from unsolicited events.
package onebot

import (
	"encoding/json"
	"strings"
)

// Request is the envelope for an outbound API call. Echo is the correlation
// token the implementation reflects back on the matching response.
type Request struct {
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
	Echo   string `json:"echo"`
}

// Response is an API response frame, matched to a pending call by Echo.
type Response struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Echo    string          `json:"echo"`
}

// OK reports whether the implementation accepted the call.
func (r Response) OK() bool {
	return r.Status == "ok"
}

// Sender identifies the author of a message event.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

// Event is an unsolicited frame pushed by the implementation: a chat message,
// notice, or meta event, discriminated by PostType.
type Event struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	SubType     string          `json:"sub_type"`
	MessageID   int64           `json:"message_id"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	Time        int64           `json:"time"`
	Sender      Sender          `json:"sender"`
	Message     json.RawMessage `json:"message"`
}

// IsMessage reports whether the event is a chat message.
func (e Event) IsMessage() bool {
	return e.PostType == "message"
}

type segment struct {
	Type string `json:"type"`
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
}

// PlainText extracts the textual content of the event's message field, which
// the wire encodes either as a CQ string or as an array of segments. Only
// text segments contribute; everything else (images, at-mentions) is ignored.
func (e Event) PlainText() string {
	if len(e.Message) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(e.Message, &asString); err == nil {
		return strings.TrimSpace(asString)
	}
	var segments []segment
	if err := json.Unmarshal(e.Message, &segments); err != nil {
		return ""
	}
	var b strings.Builder
	for _, seg := range segments {
		if seg.Type == "text" {
			b.WriteString(seg.Data.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// FrameKind classifies a raw inbound frame.
type FrameKind int

const (
	// FrameMalformed marks an undecodable frame; it is logged and dropped.
	FrameMalformed FrameKind = iota
	// FrameResponse is an API response carrying a correlation token.
	FrameResponse
	// FrameEvent is any unsolicited frame.
	FrameEvent
)

// Classify decides whether a raw frame is an API response or an event.
// A frame is a response iff it carries the echo correlation field; everything
// else that parses is an event. Parse failures yield FrameMalformed and zero
// values for both payloads.
func Classify(raw []byte) (FrameKind, Response, Event) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return FrameMalformed, Response{}, Event{}
	}
	if probe.Echo != "" {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return FrameMalformed, Response{}, Event{}
		}
		return FrameResponse, resp, Event{}
	}
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return FrameMalformed, Response{}, Event{}
	}
	return FrameEvent, Response{}, evt
}
