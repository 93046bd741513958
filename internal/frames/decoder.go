// Package frames decodes the upstream's binary AWS event-stream into typed events.
//
// DESIGN: Network chunks arrive at arbitrary boundaries. The Decoder buffers
// bytes until the prelude's total length is available, then hands exactly one
// frame to the aws-sdk-go-v2 eventstream decoder, which validates both CRCs
// and splits headers from payload.
//
// FLOW:
//  1. Feed(chunk) appends to the buffer
//  2. While a whole frame is buffered: check prelude CRC, decode, map to Event
//  3. A bad prelude drops one byte and resyncs; a bad frame is skipped whole
//  4. Flush() reports bytes left over at end of stream
//
// Only this package decodes frames. Bracket-style tool calls embedded in text
// are a compatibility layer handled by the toolcalls package.
package frames

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const (
	preludeLen  = 12 // total length + headers length + prelude CRC
	minFrameLen = preludeLen + 4
	maxFrameLen = 16*1024*1024 + 128*1024 + minFrameLen
)

// Header names used by the upstream.
const (
	headerMessageType   = ":message-type"
	headerEventType     = ":event-type"
	headerExceptionType = ":exception-type"
	headerErrorCode     = ":error-code"
	headerErrorMessage  = ":error-message"
)

// Decoder turns a byte stream into events. Not safe for concurrent use; each
// response gets its own Decoder.
type Decoder struct {
	buf     []byte
	dec     *eventstream.Decoder
	skipped int
}

// NewDecoder creates a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{dec: eventstream.NewDecoder()}
}

// Feed consumes a chunk and returns every event completed by it, in frame order.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	off := 0
	for len(d.buf)-off >= preludeLen {
		rest := d.buf[off:]
		total := binary.BigEndian.Uint32(rest[0:4])
		headersLen := binary.BigEndian.Uint32(rest[4:8])

		if total < minFrameLen || total > maxFrameLen || headersLen > total-minFrameLen ||
			crc32.ChecksumIEEE(rest[0:8]) != binary.BigEndian.Uint32(rest[8:12]) {
			// Not a frame boundary. Slide forward one byte.
			off++
			d.skipped++
			continue
		}
		if uint32(len(rest)) < total {
			break
		}

		frame := rest[:total]
		off += int(total)

		msg, err := d.dec.Decode(bytes.NewReader(frame), nil)
		if err != nil {
			log.Warn().Err(err).Int("frame_len", int(total)).Msg("frames: skipping malformed frame")
			continue
		}
		if ev, ok := toEvent(msg); ok {
			events = append(events, ev)
		}
	}

	if d.skipped > 0 {
		log.Debug().Int("bytes", d.skipped).Msg("frames: resynchronized past invalid prelude")
		d.skipped = 0
	}

	d.buf = append(d.buf[:0], d.buf[off:]...)
	return events
}

// Flush returns the number of buffered bytes that never formed a frame and
// resets the decoder.
func (d *Decoder) Flush() int {
	n := len(d.buf)
	if n > 0 {
		log.Debug().Int("bytes", n).Msg("frames: incomplete frame at end of stream")
	}
	d.buf = d.buf[:0]
	return n
}

// Buffered reports how many bytes are waiting for a complete frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

func headerString(msg eventstream.Message, name string) string {
	v := msg.Headers.Get(name)
	if v == nil {
		return ""
	}
	if s, ok := v.(eventstream.StringValue); ok {
		return string(s)
	}
	return v.String()
}

func toEvent(msg eventstream.Message) (Event, bool) {
	switch headerString(msg, headerMessageType) {
	case "exception", "error":
		return exceptionEvent(msg), true
	}

	if len(msg.Payload) == 0 || !gjson.ValidBytes(msg.Payload) {
		if len(msg.Payload) > 0 {
			log.Warn().Int("payload_len", len(msg.Payload)).Msg("frames: skipping frame with invalid JSON payload")
		}
		return Event{}, false
	}
	payload := gjson.ParseBytes(msg.Payload)

	eventType := headerString(msg, headerEventType)
	if eventType == "" {
		eventType = detectEventType(payload)
	}
	return mapEvent(eventType, payload)
}

func exceptionEvent(msg eventstream.Message) Event {
	kind := headerString(msg, headerExceptionType)
	if kind == "" {
		kind = headerString(msg, headerErrorCode)
	}
	message := headerString(msg, headerErrorMessage)
	if gjson.ValidBytes(msg.Payload) {
		p := gjson.ParseBytes(msg.Payload)
		if m := p.Get("message"); m.Exists() {
			message = m.String()
		} else if m := p.Get("Message"); m.Exists() {
			message = m.String()
		}
	}
	if message == "" {
		message = string(msg.Payload)
	}
	return Event{Kind: KindException, ExceptionType: kind, Message: message}
}

// detectEventType infers the event type from payload shape for frames that
// carry no :event-type header.
func detectEventType(p gjson.Result) string {
	switch {
	case p.Get("toolUseId").Exists():
		return "toolUseEvent"
	case p.Get("followupPrompt").Exists():
		return "followupPromptEvent"
	case p.Get("content").Exists():
		return "assistantResponseEvent"
	case p.Get("usage").Exists():
		return "meteringEvent"
	case p.Get("contextUsagePercentage").Exists():
		return "contextUsageEvent"
	case p.Get("reasoningText").Exists():
		return "reasoningContentEvent"
	case p.Get("references").Exists():
		return "codeReferenceEvent"
	case p.Get("conversationId").Exists():
		return "messageMetadataEvent"
	}
	return ""
}

func mapEvent(eventType string, p gjson.Result) (Event, bool) {
	switch eventType {
	case "assistantResponseEvent":
		content := p.Get("content")
		if !content.Exists() {
			return Event{}, false
		}
		return Event{Kind: KindContent, Content: content.String()}, true

	case "toolUseEvent":
		tu := &ToolUse{
			Name:      p.Get("name").String(),
			ToolUseID: p.Get("toolUseId").String(),
			Stop:      p.Get("stop").Bool(),
		}
		if input := p.Get("input"); input.Exists() {
			if input.Type == gjson.String {
				tu.Input = input.String()
			} else {
				tu.Input = input.Raw
			}
		}
		return Event{Kind: KindToolUse, ToolUse: tu}, true

	case "meteringEvent":
		usage := p.Get("usage")
		if !usage.Exists() {
			return Event{}, false
		}
		return Event{Kind: KindMetering, Usage: usage.Float(), Unit: p.Get("unit").String()}, true

	case "reasoningContentEvent":
		text := p.Get("text").String()
		if text == "" {
			text = p.Get("reasoningText").String()
		}
		if text == "" {
			return Event{}, false
		}
		return Event{Kind: KindThinking, Thinking: text}, true

	case "codeReferenceEvent":
		var refs []CodeReference
		for _, r := range p.Get("references").Array() {
			ref := CodeReference{
				LicenseName: r.Get("licenseName").String(),
				Repository:  r.Get("repository").String(),
				URL:         r.Get("url").String(),
			}
			if ref.LicenseName == "" || ref.Repository == "" || ref.URL == "" {
				continue
			}
			if span := r.Get("recommendationContentSpan"); span.IsObject() {
				ref.Span = &Span{Start: int(span.Get("start").Int()), End: int(span.Get("end").Int())}
			}
			refs = append(refs, ref)
		}
		if len(refs) == 0 {
			return Event{}, false
		}
		return Event{Kind: KindCodeReference, References: refs}, true

	case "messageMetadataEvent":
		id := p.Get("conversationId").String()
		if id == "" {
			return Event{}, false
		}
		return Event{Kind: KindMetadata, ConversationID: id}, true

	case "contextUsageEvent":
		pct := p.Get("contextUsagePercentage")
		if !pct.Exists() {
			return Event{}, false
		}
		return Event{Kind: KindContextUsage, ContextUsage: pct.Float()}, true

	case "followupPromptEvent":
		fp := p.Get("followupPrompt")
		if !fp.Exists() {
			return Event{}, false
		}
		return Event{Kind: KindFollowup, Followup: fp.Raw}, true
	}

	log.Debug().Str("event_type", eventType).Msg("frames: ignoring unknown event")
	return Event{}, false
}
