// Package compiler lowers WebAssembly modules into native-code artifacts.
//
// The pipeline is load (binary or text), validate (delegated to the wabin
// decoder), translate (one pass per function through the amd64 assembler),
// resolve imports against the bindings map, emit module metadata, and write
// the artifact container.
package compiler

import (
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/golucet/golucet/internal/bindings"
	"github.com/golucet/golucet/internal/platform"
	"github.com/golucet/golucet/internal/version"
)

// Config adjusts a compilation.
type Config struct {
	// Bindings maps guest imports to host symbols; nil means no imports are
	// allowed.
	Bindings *bindings.Bindings
	// Heap bounds the derived heap spec; the zero value means defaults.
	Heap HeapSettings
	// InstructionCounting instruments every block with the two-field
	// instruction budget check.
	InstructionCounting bool
	// Version stamps the artifact; the zero value means this build's.
	Version version.Info
	// Logger receives debug-level pipeline progress; nil means the standard
	// logger.
	Logger logrus.FieldLogger
}

// features is the accepted WebAssembly feature set: the 2.0 core set covers
// the sign-extension and saturating ops common toolchains emit.
const features = wasm.CoreFeaturesV2

// Compile turns WebAssembly source (binary or text) into artifact bytes.
func Compile(input []byte, cfg Config) ([]byte, error) {
	if !platform.CompilerSupported() {
		return nil, errf(ErrUnsupported, "the native compiler does not support this platform")
	}
	if cfg.Bindings == nil {
		cfg.Bindings = bindings.NewEmpty()
	}
	if cfg.Heap == (HeapSettings{}) {
		cfg.Heap = DefaultHeapSettings()
	}
	if cfg.Version == (version.Info{}) {
		cfg.Version = version.Current()
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	clog := log.WithField("component", "compiler")

	mod, err := loadModule(input, features)
	if err != nil {
		return nil, err
	}
	clog.WithFields(logrus.Fields{
		"types":     len(mod.TypeSection),
		"functions": len(mod.FunctionSection),
		"imports":   len(mod.ImportSection),
	}).Debug("module loaded")

	w, err := translate(mod, cfg.Bindings, cfg.Heap, cfg.InstructionCounting, cfg.Version)
	if err != nil {
		return nil, err
	}

	out, err := w.Encode()
	if err != nil {
		return nil, &Error{Kind: ErrOutput, Err: err}
	}
	clog.WithField("artifact_bytes", len(out)).Debug("artifact emitted")
	return out, nil
}
