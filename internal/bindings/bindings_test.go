package bindings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	b, err := FromJSON([]byte(`{"env": {"log": "hostcall_env_log", "abort": "hostcall_env_abort"}}`))
	require.NoError(t, err)

	sym, err := b.Translate("env", "log")
	require.NoError(t, err)
	require.Equal(t, "hostcall_env_log", sym)

	_, err = b.Translate("env", "missing")
	require.Error(t, err)

	_, err = b.Translate("missing", "log")
	require.Error(t, err)
}

func TestExtend(t *testing.T) {
	b := New(map[string]map[string]string{"env": {"a": "host_a"}})
	other := New(map[string]map[string]string{
		"env":  {"b": "host_b"},
		"wasi": {"c": "host_c"},
	})
	require.NoError(t, b.Extend(other))

	for _, tc := range []struct{ module, field, want string }{
		{"env", "a", "host_a"},
		{"env", "b", "host_b"},
		{"wasi", "c", "host_c"},
	} {
		sym, err := b.Translate(tc.module, tc.field)
		require.NoError(t, err)
		require.Equal(t, tc.want, sym)
	}

	// Re-extending with the same binding is fine; a conflict is not.
	require.NoError(t, b.Extend(New(map[string]map[string]string{"env": {"a": "host_a"}})))
	require.Error(t, b.Extend(New(map[string]map[string]string{"env": {"a": "other"}})))
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"env": {"f": "hostcall_env_f"}}`), 0o600))

	b, err := FromFile(path)
	require.NoError(t, err)
	sym, err := b.Translate("env", "f")
	require.NoError(t, err)
	require.Equal(t, "hostcall_env_f", sym)

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	_, err = FromFile(path)
	require.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	b := New(map[string]map[string]string{"env": {"f": "hostcall_env_f"}})
	raw, err := json.Marshal(b)
	require.NoError(t, err)

	got, err := FromJSON(raw)
	require.NoError(t, err)
	sym, err := got.Translate("env", "f")
	require.NoError(t, err)
	require.Equal(t, "hostcall_env_f", sym)
}
