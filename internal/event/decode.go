package event

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports a frame whose JSON could not be decoded.
type DecodeError struct {
	// Type is the tag read from the frame, if the envelope itself was readable.
	Type string
	Raw  []byte
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decoding frame: %v", e.Err)
	}
	return fmt.Sprintf("decoding %s frame: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type envelope struct {
	Type json.RawMessage `json:"type"`
}

type pongPayload struct {
	Data json.RawMessage `json:"data"`
	Time json.RawMessage `json:"time"`
}

// echoSeq reads a ping sequence echoed by a pong. Anything other than a JSON
// integer (absent, null, strings, fractions, objects) yields nil.
func echoSeq(raw json.RawMessage) *int64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var seq int64
	if err := json.Unmarshal(raw, &seq); err != nil {
		return nil
	}
	return &seq
}

// tagOf returns the type tag, or "" when it is absent or not a string.
func tagOf(raw json.RawMessage) string {
	var tag string
	if len(raw) == 0 || json.Unmarshal(raw, &tag) != nil {
		return ""
	}
	return tag
}

// Decode reads the type discriminator of a frame and decodes the matching variant.
//
// Postcondition: Returns a non-nil Event, or a *DecodeError when the frame is not
// a JSON object or a Ready payload is malformed. Unrecognised, missing and
// non-string tags yield Unknown with a nil error. A Pong never fails on its
// echo field: a non-integer echo leaves Seq nil.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Raw: data, Err: err}
	}

	tag := tagOf(env.Type)

	switch Kind(tag) {
	case KindReady:
		var r Ready
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, &DecodeError{Type: tag, Raw: data, Err: err}
		}
		return r, nil

	case KindPong:
		var p pongPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, &DecodeError{Type: tag, Raw: data, Err: err}
		}
		seq := echoSeq(p.Data)
		if seq == nil {
			seq = echoSeq(p.Time)
		}
		return Pong{Seq: seq}, nil

	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Type: tag, Raw: raw}, nil
	}
}
