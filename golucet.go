// Package golucet is an ahead-of-time WebAssembly execution system: a
// compiler that lowers modules into native-code artifacts, and a runtime
// that executes those artifacts inside lightweight sandboxed instances with
// controlled memory, stack, and host-call boundaries.
//
// The compiling half lives behind Compiler; the running half behind Region,
// Module and Instance. A typical embedding compiles once, loads the
// artifact, and creates many short-lived instances from one region:
//
//	c := golucet.NewCompiler(golucet.CompileConfig{})
//	art, _ := c.Compile(wasmBytes)
//	mod, _ := golucet.LoadModule(art, golucet.LoadConfig{})
//	r, _ := golucet.NewRegion(16, nil)
//	r.RegisterHostcall("hostcall_env_log", logCall)
//	inst, _ := r.NewInstance(mod)
//	defer inst.Drop()
//	ret, err := inst.Run("add", []api.Val{api.I32Val(420), api.I32Val(69)})
package golucet

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/golucet/golucet/internal/artifact"
	"github.com/golucet/golucet/internal/instance"
	"github.com/golucet/golucet/internal/region"
	"github.com/golucet/golucet/internal/version"
)

// Limits bound every instance of a region; see DefaultLimits for the
// defaults.
type Limits = region.Limits

// DefaultLimits returns the standard region limits.
func DefaultLimits() Limits { return region.DefaultLimits() }

// Module is a loaded artifact, read-only and shareable across instances and
// goroutines.
type Module struct {
	art *artifact.Module
}

// LoadConfig adjusts artifact loading.
type LoadConfig struct {
	// PreciseVersionMatch requires the artifact's commit hash to equal this
	// build's exactly; the default accepts any artifact from the same
	// release.
	PreciseVersionMatch bool
	// Version overrides the loader's own version stamp, mostly for tests.
	Version version.Info
}

// LoadModule loads an artifact from bytes.
func LoadModule(raw []byte, cfg LoadConfig) (*Module, error) {
	v := cfg.Version
	if v == (version.Info{}) {
		v = version.Current()
	}
	art, err := artifact.Load(raw, v, cfg.PreciseVersionMatch)
	if err != nil {
		return nil, err
	}
	return &Module{art: art}, nil
}

// LoadModuleFile loads an artifact from disk.
func LoadModuleFile(path string, cfg LoadConfig) (*Module, error) {
	v := cfg.Version
	if v == (version.Info{}) {
		v = version.Current()
	}
	art, err := artifact.LoadFile(path, v, cfg.PreciseVersionMatch)
	if err != nil {
		return nil, err
	}
	return &Module{art: art}, nil
}

// Exports returns the module's exported function names.
func (m *Module) Exports() []string {
	names := make([]string, 0, len(m.art.Data.ExportFunctions))
	for _, e := range m.art.Data.ExportFunctions {
		names = append(names, e.Name)
	}
	return names
}

// HasStart reports whether the module carries a start function.
func (m *Module) HasStart() bool { return m.art.StartAddr != 0 }

// Close unmaps the module's code. No instances may be live.
func (m *Module) Close() error { return m.art.Close() }

// Region is a pool of instance slots plus the hostcall registry instances
// created from it resolve imports against. Safe for concurrent use.
type Region struct {
	inner region.Region

	mu        sync.RWMutex
	hostcalls map[string]instance.Hostcall
}

// NewRegion reserves address space for capacity concurrent instances. A nil
// limits means DefaultLimits.
func NewRegion(capacity int, limits *Limits) (*Region, error) {
	l := DefaultLimits()
	if limits != nil {
		l = *limits
	}
	inner, err := region.Create(capacity, l, logrus.StandardLogger())
	if err != nil {
		return nil, err
	}
	return &Region{inner: inner, hostcalls: map[string]instance.Hostcall{}}, nil
}

// RegisterHostcall binds a host symbol name to an implementation. Modules
// importing the symbol resolve it at instance creation, so registration
// must precede NewInstance.
func (r *Region) RegisterHostcall(symbol string, fn Hostcall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hostcalls[symbol] = fn
}

// NewInstance creates an instance of module in a fresh slot and runs the
// module's start function, if it has one. The caller owns the instance and
// must Drop it.
func (r *Region) NewInstance(module *Module) (*Instance, error) {
	r.mu.RLock()
	calls := make(map[string]instance.Hostcall, len(r.hostcalls))
	for k, v := range r.hostcalls {
		calls[k] = v
	}
	r.mu.RUnlock()

	inst, err := instance.New(r.inner, module.art, calls)
	if err != nil {
		return nil, err
	}
	if err := inst.RunStart(); err != nil {
		inst.Drop()
		return nil, fmt.Errorf("running start function: %w", err)
	}
	return inst, nil
}

// Free reports the number of free slots.
func (r *Region) Free() int { return r.inner.Free() }

// Release unmaps the region. Every instance must have been dropped.
func (r *Region) Release() error { return r.inner.Release() }
