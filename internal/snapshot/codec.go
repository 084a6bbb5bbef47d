package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Format selects the on-disk encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat validates a format name. The empty string means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("unsupported snapshot format %q (want json or cbor)", s)
}

// ext is the file extension for the format.
func (f Format) ext() string {
	if f == FormatCBOR {
		return ".cbor"
	}
	return ".json"
}

// Core deterministic encoding: the same snapshot always produces the same
// bytes.
var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
}

func (f Format) marshal(s *Snapshot) ([]byte, error) {
	if f == FormatCBOR {
		return cborEnc.Marshal(s)
	}
	return json.MarshalIndent(s, "", "  ")
}

func (f Format) unmarshal(data []byte, s *Snapshot) error {
	if f == FormatCBOR {
		return cbor.Unmarshal(data, s)
	}
	return json.Unmarshal(data, s)
}
