// Package artifact defines the on-disk container for compiled modules and
// the loader that maps them back in.
//
// An artifact is the shared-object equivalent for this runtime: one file
// holding machine code plus metadata sections, addressed through a named
// symbol table the loader resolves the way a dynamic linker resolves dlsym.
// The writer half is used by the compiler; the loader half by the runtime.
package artifact

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golucet/golucet/internal/version"
)

// magic identifies an artifact file. The trailing byte versions the container
// framing itself; metadata compatibility is governed by the version symbol.
var magic = [8]byte{'l', 'u', 'c', 'e', 't', 'g', 'o', 1}

// ModuleErrorKind classifies loader failures.
type ModuleErrorKind int

const (
	// MissingSymbol means a required symbol is absent from the artifact.
	MissingSymbol ModuleErrorKind = iota
	// VersionMismatch means the artifact was produced by an incompatible
	// toolchain version.
	VersionMismatch
	// DeserializationError means a metadata section failed to decode.
	DeserializationError
)

// ModuleError is a loader failure.
type ModuleError struct {
	Kind ModuleErrorKind
	// Sym is the symbol involved, when applicable.
	Sym string
	Err error
}

// Error implements error.
func (e *ModuleError) Error() string {
	switch e.Kind {
	case MissingSymbol:
		return fmt.Sprintf("missing symbol: %s", e.Sym)
	case VersionMismatch:
		return fmt.Sprintf("version mismatch: %v", e.Err)
	case DeserializationError:
		return fmt.Sprintf("deserialization error: %v", e.Err)
	}
	return "unknown module error"
}

// Unwrap implements errors.Unwrap.
func (e *ModuleError) Unwrap() error { return e.Err }

// Symbol is one named span of the artifact payload.
type Symbol struct {
	Name   string
	Offset uint64
	Length uint64
}

// SerializedModule is the payload of the lucet_module symbol: six u64s tying
// the other sections together, the loader's primary entry point.
type SerializedModule struct {
	ModuleDataOffset       uint64
	ModuleDataLen          uint64
	TablesOffset           uint64
	TablesLen              uint64 // in TableElements
	FunctionManifestOffset uint64
	FunctionManifestLen    uint64 // in FunctionSpecs
}

// serializedModuleSize is six u64s.
const serializedModuleSize = 48

func (m SerializedModule) encode() []byte {
	buf := make([]byte, serializedModuleSize)
	binary.LittleEndian.PutUint64(buf[0:], m.ModuleDataOffset)
	binary.LittleEndian.PutUint64(buf[8:], m.ModuleDataLen)
	binary.LittleEndian.PutUint64(buf[16:], m.TablesOffset)
	binary.LittleEndian.PutUint64(buf[24:], m.TablesLen)
	binary.LittleEndian.PutUint64(buf[32:], m.FunctionManifestOffset)
	binary.LittleEndian.PutUint64(buf[40:], m.FunctionManifestLen)
	return buf
}

func decodeSerializedModule(raw []byte) (m SerializedModule, err error) {
	if len(raw) != serializedModuleSize {
		return m, fmt.Errorf("lucet_module is %d bytes, want %d", len(raw), serializedModuleSize)
	}
	m.ModuleDataOffset = binary.LittleEndian.Uint64(raw[0:])
	m.ModuleDataLen = binary.LittleEndian.Uint64(raw[8:])
	m.TablesOffset = binary.LittleEndian.Uint64(raw[16:])
	m.TablesLen = binary.LittleEndian.Uint64(raw[24:])
	m.FunctionManifestOffset = binary.LittleEndian.Uint64(raw[32:])
	m.FunctionManifestLen = binary.LittleEndian.Uint64(raw[40:])
	return m, nil
}

// container framing: magic, symbol table, payload.

func encodeContainer(syms []Symbol, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len(syms)*24+64)
	out = append(out, magic[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(syms)))
	for _, s := range syms {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(s.Name)))
		out = append(out, s.Name...)
		out = binary.LittleEndian.AppendUint64(out, s.Offset)
		out = binary.LittleEndian.AppendUint64(out, s.Length)
	}
	out = binary.LittleEndian.AppendUint64(out, uint64(len(payload)))
	out = append(out, payload...)
	return out
}

var errTruncated = errors.New("truncated artifact")

func decodeContainer(raw []byte) (map[string]Symbol, []byte, error) {
	if len(raw) < len(magic)+4 {
		return nil, nil, errTruncated
	}
	for i, b := range magic {
		if raw[i] != b {
			return nil, nil, fmt.Errorf("not an artifact (bad magic)")
		}
	}
	off := len(magic)
	numSyms := binary.LittleEndian.Uint32(raw[off:])
	off += 4

	syms := make(map[string]Symbol, numSyms)
	for i := uint32(0); i < numSyms; i++ {
		if off+4 > len(raw) {
			return nil, nil, errTruncated
		}
		nameLen := int(binary.LittleEndian.Uint32(raw[off:]))
		off += 4
		if off+nameLen+16 > len(raw) {
			return nil, nil, errTruncated
		}
		name := string(raw[off : off+nameLen])
		off += nameLen
		s := Symbol{
			Name:   name,
			Offset: binary.LittleEndian.Uint64(raw[off:]),
			Length: binary.LittleEndian.Uint64(raw[off+8:]),
		}
		off += 16
		syms[name] = s
	}

	if off+8 > len(raw) {
		return nil, nil, errTruncated
	}
	payloadLen := binary.LittleEndian.Uint64(raw[off:])
	off += 8
	if uint64(len(raw)-off) != payloadLen {
		return nil, nil, errTruncated
	}
	payload := raw[off:]

	for _, s := range syms {
		if s.Offset+s.Length > payloadLen || s.Offset+s.Length < s.Offset {
			return nil, nil, fmt.Errorf("symbol %s spans [%d, %d) beyond payload length %d",
				s.Name, s.Offset, s.Offset+s.Length, payloadLen)
		}
	}
	return syms, payload, nil
}

// checkVersion applies the imprecise/precise compatibility rule.
func checkVersion(loader version.Info, artifactVersion version.Info, precise bool) error {
	if precise {
		// Precise match demands byte equality, so a hashless loader can
		// never precisely match a stamped artifact.
		if loader != artifactVersion {
			return &ModuleError{
				Kind: VersionMismatch,
				Err:  fmt.Errorf("artifact version %v, loader version %v (precise match)", artifactVersion, loader),
			}
		}
		return nil
	}
	// Precise-match off: compare as an imprecise loader.
	check := loader
	check.CommitHash = [8]byte{}
	if !check.CompatibleWith(artifactVersion) {
		return &ModuleError{
			Kind: VersionMismatch,
			Err:  fmt.Errorf("artifact version %v, loader version %v", artifactVersion, check),
		}
	}
	return nil
}
