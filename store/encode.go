package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encodeArtifact encodes a stored value into deterministic CBOR.
func encodeArtifact(a any) ([]byte, error) {
	encOpts := cbor.CoreDetEncOptions()
	em, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return em.Marshal(a)
}

// decodeArtifact decodes a CBOR-encoded value into out.
func decodeArtifact(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}
