package wat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToBinaryAdd(t *testing.T) {
	bin, err := ToBinary([]byte(`
		(module
		  (func (export "add") (param i32 i32) (result i32)
		    local.get 0
		    local.get 1
		    i32.add))
	`))
	require.NoError(t, err)

	want := []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // header
		0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, // type
		0x03, 0x02, 0x01, 0x00, // function
		0x07, 0x07, 0x01, 0x03, 'a', 'd', 'd', 0x00, 0x00, // export
		0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b, // code
	}
	require.Equal(t, want, bin)
}

func TestToBinaryMemoryDataStart(t *testing.T) {
	bin, err := ToBinary([]byte(`
		(module
		  (memory 1 4)
		  (data (i32.const 0) "\11\00\00\00")
		  (func $main
		    i32.const 0
		    i32.const 17
		    i32.store)
		  (start $main))
	`))
	require.NoError(t, err)

	// Header plus one of each: type, function, memory, start, code, data.
	require.Equal(t, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, bin[:8])
	var sections []byte
	for off := 8; off < len(bin); {
		id := bin[off]
		sections = append(sections, id)
		size := int(bin[off+1]) // all sections here are < 128 bytes
		off += 2 + size
	}
	require.Equal(t, []byte{1, 3, 5, 8, 10, 11}, sections)
}

func TestToBinaryImportsAndNames(t *testing.T) {
	bin, err := ToBinary([]byte(`
		(module
		  (import "env" "log" (func $log (param i32)))
		  (func $run (export "run") (param $x i32) (result i32)
		    local.get $x
		    call $log
		    local.get $x))
	`))
	require.NoError(t, err)
	require.NotEmpty(t, bin)
	// The import section (id 2) must precede the function section (id 3).
	var saw []byte
	for off := 8; off < len(bin); {
		saw = append(saw, bin[off])
		size := int(bin[off+1])
		off += 2 + size
	}
	require.Equal(t, []byte{1, 2, 3, 7, 10}, saw)
}

func TestToBinaryBlocks(t *testing.T) {
	_, err := ToBinary([]byte(`
		(module
		  (func (export "loop") (param i32) (result i32) (local i32)
		    block $out (result i32)
		      loop $again
		        local.get 0
		        i32.eqz
		        br_if $out
		        local.get 0
		        i32.const 1
		        i32.sub
		        local.set 0
		        br $again
		      end
		      i32.const 0
		    end))
	`))
	// br_if $out inside the loop carries a result across the branch, which
	// the converter encodes without judging validity.
	require.NoError(t, err)
}

func TestToBinaryErrors(t *testing.T) {
	for name, src := range map[string]string{
		"not a module":     `(func)`,
		"unclosed paren":   `(module (func`,
		"bad instruction":  `(module (func (export "f") v128.whatever))`,
		"unknown label":    `(module (func br $nope))`,
		"unknown function": `(module (start $missing))`,
		"folded exprs":     `(module (func (i32.add (i32.const 1) (i32.const 2))))`,
		"bad string":       `(module (data (i32.const 0) "abc))`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ToBinary([]byte(src))
			require.Error(t, err)
		})
	}
}

func TestLexer(t *testing.T) {
	toks, err := lex(`(foo "b\61r" ;; comment
		(; block (; nested ;) comment ;) 42)`)
	require.NoError(t, err)
	var texts []string
	for _, tk := range toks {
		switch tk.kind {
		case tokLParen:
			texts = append(texts, "(")
		case tokRParen:
			texts = append(texts, ")")
		default:
			texts = append(texts, tk.text)
		}
	}
	require.Equal(t, []string{"(", "foo", "bar", "42", ")"}, texts)
}
