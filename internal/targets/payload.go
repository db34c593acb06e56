package targets

import (
	"encoding/json"

	"msd/pkg/errors"
)

// Payload is the certified registry state. Records stay raw so that each one
// can fail to decode on its own.
type Payload struct {
	Version uint64            `json:"version"`
	Records []json.RawMessage `json:"records"`
}

// DecodePayload parses a verified payload and checks that it describes the
// version it was fetched as.
func DecodePayload(data []byte, version uint64) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.NewError(errors.ErrorTypeVerification, "certified payload is not decodable").WithCause(err)
	}
	if p.Version != version {
		return nil, errors.NewError(errors.ErrorTypeVerification, "payload version does not match fetched version").
			WithDetail("fetched", version).
			WithDetail("payload", p.Version)
	}
	return &p, nil
}
