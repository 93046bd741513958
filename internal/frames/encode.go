package frames

import (
	"bytes"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/sjson"
)

// EncodeEvent frames a JSON payload as an upstream event. Used by test
// servers that stand in for the upstream.
func EncodeEvent(eventType string, payload []byte) ([]byte, error) {
	var msg eventstream.Message
	msg.Headers.Set(headerMessageType, eventstream.StringValue("event"))
	msg.Headers.Set(headerEventType, eventstream.StringValue(eventType))
	msg.Headers.Set(":content-type", eventstream.StringValue("application/json"))
	msg.Payload = payload
	return encode(msg)
}

// EncodeException frames an upstream exception.
func EncodeException(exceptionType, message string) ([]byte, error) {
	var msg eventstream.Message
	msg.Headers.Set(headerMessageType, eventstream.StringValue("exception"))
	msg.Headers.Set(headerExceptionType, eventstream.StringValue(exceptionType))
	payload, err := sjson.SetBytes([]byte(`{}`), "message", message)
	if err != nil {
		return nil, err
	}
	msg.Payload = payload
	return encode(msg)
}

func encode(msg eventstream.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := eventstream.NewEncoder().Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeUntyped frames a payload without an :event-type header, as older
// upstream builds send it.
func EncodeUntyped(payload []byte) ([]byte, error) {
	return encode(eventstream.Message{Payload: payload})
}
