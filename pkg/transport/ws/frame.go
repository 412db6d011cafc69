// Package ws carries transport.Channel traffic over websockets.
//
// A Relay is an http.Handler that accepts websocket clients and bridges them
// to a backplane Channel (an in-process Hub or Redis). A Client is the
// matching transport.Channel implementation for sessions that reach the
// backplane through a relay.
//
// Every websocket message is one JSON frame:
//
//	{"op":"subscribe","topic":"/topic/projects/p1/update"}
//	{"op":"unsubscribe","topic":"/topic/projects/p1/update"}
//	{"op":"send","destination":"/app/projects/p1/update","payload":{...}}
//	{"op":"message","topic":"/topic/projects/p1/update","payload":{...}}
//	{"op":"error","error":"..."}
//
// The first three travel from client to relay, the last two from relay to
// client.
package ws

import (
	"github.com/bytedance/sonic"

	"github.com/matzehuels/diagramsync/pkg/errors"
	"github.com/matzehuels/diagramsync/pkg/transport"
)

// Frame operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpSend        = "send"
	OpMessage     = "message"
	OpError       = "error"
)

// Frame is one websocket message.
type Frame struct {
	Op          string            `json:"op"`
	Topic       string            `json:"topic,omitempty"`
	Destination string            `json:"destination,omitempty"`
	Payload     transport.Payload `json:"payload,omitempty"`
	Error       string            `json:"error,omitempty"`
}

var json = sonic.ConfigStd

func encodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTransport, err, "encode %s frame", f.Op)
	}
	return data, nil
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(errors.ErrCodeMalformedMessage, err, "decode frame")
	}
	if f.Op == "" {
		return Frame{}, errors.New(errors.ErrCodeMalformedMessage, "frame without op")
	}
	return f, nil
}

// validate checks the fields an inbound relay frame needs.
func (f Frame) validate() error {
	switch f.Op {
	case OpSubscribe, OpUnsubscribe:
		if f.Topic == "" {
			return errors.New(errors.ErrCodeMalformedMessage, "%s frame without topic", f.Op)
		}
	case OpSend:
		if f.Destination == "" {
			return errors.New(errors.ErrCodeMalformedMessage, "send frame without destination")
		}
		if f.Payload == nil {
			return errors.New(errors.ErrCodeMalformedMessage, "send frame without payload")
		}
	case OpMessage:
		if f.Topic == "" || f.Payload == nil {
			return errors.New(errors.ErrCodeMalformedMessage, "message frame without topic or payload")
		}
	case OpError:
	default:
		return errors.New(errors.ErrCodeUnsupported, "unknown frame op %q", f.Op)
	}
	return nil
}
