package messaging

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// QoS is the delivery level of a message.
type QoS byte

const (
	AtMostOnce  QoS = 0 // best effort, used for high-rate telemetry
	AtLeastOnce QoS = 1 // commands and lifecycle events; consumers must be idempotent
)

type Message struct {
	Topic     string
	Payload   []byte
	QoS       QoS
	Retain    bool
	Timestamp time.Time
}

// Decode unmarshals the payload as JSON into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Value returns the structured payload if it parses as JSON, otherwise the
// payload as a string, or the raw bytes when it is not valid UTF-8.
func (m Message) Value() any {
	var v any
	if err := json.Unmarshal(m.Payload, &v); err == nil {
		return v
	}
	if utf8.Valid(m.Payload) {
		return string(m.Payload)
	}
	return m.Payload
}

func (m Message) String() string {
	return fmt.Sprintf("%s (qos=%d retain=%t %d bytes)", m.Topic, m.QoS, m.Retain, len(m.Payload))
}

// encodePayload accepts raw bytes and strings as-is and JSON-encodes anything else.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}
