package transport

import (
	"github.com/bytedance/sonic"

	"github.com/matzehuels/diagramsync/pkg/errors"
)

var json = sonic.ConfigStd

// Marshal encodes a payload for the wire.
func Marshal(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTransport, err, "encode payload")
	}
	return data, nil
}

// Unmarshal decodes a wire payload. Anything other than a JSON object is a
// malformed message.
func Unmarshal(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedMessage, err, "decode payload")
	}
	if p == nil {
		return nil, errors.New(errors.ErrCodeMalformedMessage, "payload is not an object")
	}
	return p, nil
}
