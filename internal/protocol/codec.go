package protocol

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type Type `json:"type"`
}

// Peek extracts the type discriminator without decoding the payload.
func Peek(data []byte) (Type, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decoding message envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("message has no type discriminator")
	}
	return env.Type, nil
}

// Decode unmarshals data into a concrete message struct for the given
// type. The caller switches on the returned value.
func Decode(t Type, data []byte) (any, error) {
	var msg any
	switch t {
	case TypeNewJob:
		msg = &NewJob{}
	case TypeStopJob:
		msg = &StopJob{}
	case TypeRegister:
		msg = &Register{}
	case TypeJobAck:
		msg = &JobAck{}
	case TypeFlowDone:
		msg = &FlowDoneUpdate{}
	case TypeJobComplete:
		msg = &JobComplete{}
	case TypeLog:
		msg = &Log{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeHeartbeatAck:
		msg = &HeartbeatAck{}
	default:
		return nil, fmt.Errorf("message type %q not supported", t)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s message: %w", t, err)
	}
	return msg, nil
}
