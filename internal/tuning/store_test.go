package tuning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/nn-gpu/internal/kernel"
)

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tuning.yaml")
	s := NewFileStore(path)

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("a", "gemm1_8_8_1_1_1_1"))
	require.NoError(t, s.Set("b", "basic_4_4_1_1_1_1"))
	// Last writer wins.
	require.NoError(t, s.Set("a", "gemm4x4_8_8_1_4_4_1"))

	other := NewFileStore(path)
	v, ok, err := other.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gemm4x4_8_8_1_4_4_1", v)

	all, err := other.All()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "gemm4x4_8_8_1_4_4_1", "b": "basic_4_4_1_1_1_1"}, all)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- not\n- a map\n"), 0o644))

	_, _, err := NewFileStore(path).Get("a")
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Set("a", "x"))
	v, ok, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	all, err := s.All()
	require.NoError(t, err)
	all["b"] = "y"
	_, ok, _ = s.Get("b")
	assert.False(t, ok, "All returns a copy")
}

func TestDefaults(t *testing.T) {
	d, err := Defaults()
	require.NoError(t, err)

	all, err := d.All()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for sig, v := range all {
		_, err := kernel.ParseTuning(v)
		assert.NoError(t, err, sig)
	}

	assert.ErrorIs(t, d.Set("a", "b"), ErrReadOnly)
}

func TestCache_Snapshot(t *testing.T) {
	c := NewCache()
	p := kernel.TuningParameters{Family: kernel.FamilyGemm1, Local: [3]int{8, 8, 1}, Block: [3]int{1, 1, 1}}
	c.Set("sig", p)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, map[string]string{"sig": "gemm1_8_8_1_1_1_1"}, c.Snapshot())
}
