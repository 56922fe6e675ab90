package golucet

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/golucet/golucet/internal/bindings"
	"github.com/golucet/golucet/internal/compiler"
	"github.com/golucet/golucet/internal/version"
)

// HeapSettings bound the heap spec derived from a module's memory section.
type HeapSettings = compiler.HeapSettings

// CompileConfig adjusts compilation.
type CompileConfig struct {
	// Bindings maps guest imports to host symbols, the same shape as the
	// JSON bindings file: {"module": {"field": "host_symbol"}}.
	Bindings map[string]map[string]string
	// BindingsFiles are JSON bindings files merged (conflict-checked) with
	// Bindings.
	BindingsFiles []string
	// Heap bounds the derived heap spec; zero means the 4 MiB / 6 GiB /
	// 4 MiB defaults.
	Heap HeapSettings
	// InstructionCounting instruments the module with the instruction
	// budget check.
	InstructionCounting bool
	// Logger receives debug-level progress; nil means the standard logger.
	Logger logrus.FieldLogger
	// Cache, when set, memoizes compilations by input hash.
	Cache *Cache
}

// Compiler turns WebAssembly (binary or text) into artifacts.
type Compiler struct {
	cfg   CompileConfig
	binds *bindings.Bindings
}

// NewCompiler builds a Compiler from the config. Binding sources are read
// lazily at the first Compile, where their errors surface.
func NewCompiler(cfg CompileConfig) *Compiler {
	return &Compiler{cfg: cfg}
}

func (c *Compiler) resolveBindings() (*bindings.Bindings, error) {
	if c.binds != nil {
		return c.binds, nil
	}
	b := bindings.New(c.cfg.Bindings)
	for _, path := range c.cfg.BindingsFiles {
		fileBinds, err := bindings.FromFile(path)
		if err != nil {
			return nil, err
		}
		if err := b.Extend(fileBinds); err != nil {
			return nil, err
		}
	}
	c.binds = b
	return b, nil
}

// Compile produces artifact bytes from WebAssembly source.
func (c *Compiler) Compile(source []byte) ([]byte, error) {
	if c.cfg.Cache != nil {
		if art, ok := c.cfg.Cache.get(source, c.cfg.InstructionCounting); ok {
			return art, nil
		}
	}
	binds, err := c.resolveBindings()
	if err != nil {
		return nil, err
	}
	art, err := compiler.Compile(source, compiler.Config{
		Bindings:            binds,
		Heap:                c.cfg.Heap,
		InstructionCounting: c.cfg.InstructionCounting,
		Version:             version.Current(),
		Logger:              c.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if c.cfg.Cache != nil {
		c.cfg.Cache.add(source, c.cfg.InstructionCounting, art)
	}
	return art, nil
}

// CompileToFile compiles and writes the artifact to path.
func (c *Compiler) CompileToFile(source []byte, path string) error {
	art, err := c.Compile(source)
	if err != nil {
		return err
	}
	return os.WriteFile(path, art, 0o644)
}
