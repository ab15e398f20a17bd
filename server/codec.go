package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CodecName is the Connect codec name. Requests carry it as
// "application/cbor".
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR enc mode: %v", err))
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR dec mode: %v", err))
	}
}

// Codec marshals service messages as canonical CBOR. It is the
// connect.Codec of the HTTP transport.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
