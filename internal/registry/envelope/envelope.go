// Package envelope is the wire form in which registries serve their certified state.
package envelope

import (
	"encoding/json"

	"msd/internal/core"
	"msd/pkg/errors"
)

// Envelope carries a certified payload. Payload and Certificate are base64
// encoded on the wire.
type Envelope struct {
	Version     uint64 `json:"version"`
	Payload     []byte `json:"payload"`
	Certificate []byte `json:"certificate"`
}

// Decode parses an envelope. A malformed envelope is a fetch error; the
// payload itself is not inspected.
func Decode(data []byte) (*core.FetchResult, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.NewError(errors.ErrorTypeFetch, "malformed registry envelope").WithCause(err)
	}
	return &core.FetchResult{
		Version:     env.Version,
		Payload:     env.Payload,
		Certificate: env.Certificate,
	}, nil
}

// Encode renders a fetch result as an envelope
func Encode(res *core.FetchResult) ([]byte, error) {
	return json.Marshal(Envelope{
		Version:     res.Version,
		Payload:     res.Payload,
		Certificate: res.Certificate,
	})
}
