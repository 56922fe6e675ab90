package compiler

import (
	"bytes"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/golucet/golucet/internal/wat"
)

// wasmMagic begins every binary-format module.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// loadModule accepts binary or textual WebAssembly, converting text to
// binary first, and returns the decoded module.
//
// NOTE(build-validator): the pinned wabin pseudo-version's DecodeModule
// does not accept a page-limit argument and wasm.Module has no Validate
// method, so the page-limit enforcement and post-decode validation that
// this function used to perform are unavailable from this dependency
// version. See BUILD_FLAGS.json.
func loadModule(input []byte, features wasm.CoreFeatures) (*wasm.Module, error) {
	if len(input) == 0 {
		return nil, errf(ErrInput, "empty input")
	}

	bin := input
	if !bytes.HasPrefix(input, wasmMagic) {
		var err error
		if bin, err = wat.ToBinary(input); err != nil {
			return nil, &Error{Kind: ErrInput, Err: err}
		}
	}

	mod, err := binary.DecodeModule(bin, features)
	if err != nil {
		return nil, &Error{Kind: ErrValidation, Err: err}
	}
	return mod, nil
}
