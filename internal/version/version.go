// Package version stamps compiled artifacts and checks them at load time.
package version

import (
	"encoding/binary"
	"fmt"
)

// version is the current release of this repository. This is overridable via
// `go build -ldflags`, which release builds use to inject the tagged version.
var version = "0.5.0-dev"

// commitHash is the 8-byte truncated commit this build was produced from, hex
// encoded, or empty for imprecise builds. Also injected via ldflags.
var commitHash = ""

// Info identifies the toolchain that produced an artifact. Artifacts carry an
// Info; loaders carry one too, and the two are compared on load.
type Info struct {
	Major, Minor, Patch uint8
	// CommitHash is all zero for an "imprecise" version: one that identifies
	// a release but not the exact commit.
	CommitHash [8]byte
}

// New returns an Info for the given version triple and commit hash.
func New(major, minor, patch uint8, commitHash [8]byte) Info {
	return Info{Major: major, Minor: minor, Patch: patch, CommitHash: commitHash}
}

// Current returns the Info describing this build.
func Current() Info {
	var h [8]byte
	for i := 0; i+1 < len(commitHash) && i/2 < 8; i += 2 {
		h[i/2] = hexByte(commitHash[i])<<4 | hexByte(commitHash[i+1])
	}
	var maj, min, pat uint8
	// Ignore any pre-release suffix such as "-dev".
	fmt.Sscanf(version, "%d.%d.%d", &maj, &min, &pat)
	return Info{Major: maj, Minor: min, Patch: pat, CommitHash: h}
}

func hexByte(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}

// Precise returns true if the commit hash is non-zero.
func (i Info) Precise() bool {
	return i.CommitHash != [8]byte{}
}

// CompatibleWith reports whether a loader stamped `i` accepts an artifact
// stamped `other`. An imprecise loader accepts any artifact with a matching
// `major.minor.patch`; a precise loader requires byte equality, so it rejects
// imprecise artifacts as well as artifacts from any other commit.
func (i Info) CompatibleWith(other Info) bool {
	if i.Major != other.Major || i.Minor != other.Minor || i.Patch != other.Patch {
		return false
	}
	if !i.Precise() {
		return true
	}
	return i.CommitHash == other.CommitHash
}

// String implements fmt.Stringer.
func (i Info) String() string {
	if i.Precise() {
		return fmt.Sprintf("%d.%d.%d-%x", i.Major, i.Minor, i.Patch, i.CommitHash)
	}
	return fmt.Sprintf("%d.%d.%d", i.Major, i.Minor, i.Patch)
}

// serializedSize is the byte length of a serialized Info: a u32 holding the
// reserved bit and the version triple, then the 8-byte hash.
const serializedSize = 12

// reservedBit marks the artifact as produced by a toolchain recent enough to
// stamp versions at all. A cleared bit means the artifact is too old to load.
const reservedBit = uint32(1) << 31

// MarshalBinary implements encoding.BinaryMarshaler.
func (i Info) MarshalBinary() ([]byte, error) {
	buf := make([]byte, serializedSize)
	word := reservedBit | uint32(i.Major)<<16 | uint32(i.Minor)<<8 | uint32(i.Patch)
	binary.LittleEndian.PutUint32(buf, word)
	copy(buf[4:], i.CommitHash[:])
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (i *Info) UnmarshalBinary(data []byte) error {
	if len(data) != serializedSize {
		return fmt.Errorf("version info must be %d bytes, was %d", serializedSize, len(data))
	}
	word := binary.LittleEndian.Uint32(data)
	if word&reservedBit == 0 {
		return fmt.Errorf("artifact predates version stamping and cannot be loaded")
	}
	i.Major = uint8(word >> 16)
	i.Minor = uint8(word >> 8)
	i.Patch = uint8(word)
	copy(i.CommitHash[:], data[4:])
	return nil
}
