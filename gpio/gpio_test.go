package gpio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportAndValue(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "gpio89"), 0755))

	g, err := Export(root, 89)
	require.NoError(t, err)
	exported, err := os.ReadFile(filepath.Join(root, "export"))
	require.NoError(t, err)
	assert.Equal(t, "89", string(exported))

	require.NoError(t, g.SetDirection(OUT))
	dir, err := g.Direction()
	require.NoError(t, err)
	assert.Equal(t, OUT, dir)

	require.NoError(t, g.SetValue(HIGH))
	v, err := g.Value()
	require.NoError(t, err)
	assert.Equal(t, HIGH, v)

	// the kernel terminates sysfs reads with a newline
	require.NoError(t, os.WriteFile(filepath.Join(root, "gpio89", "value"), []byte("0\n"), 0666))
	v, err = g.Value()
	require.NoError(t, err)
	assert.Equal(t, LOW, v)
}

func TestValueGarbage(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "gpio3"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "gpio3", "value"), []byte("x"), 0666))
	_, err := Open(root, 3).Value()
	assert.Error(t, err)
}

func TestResolveNumber(t *testing.T) {
	n, err := Resolve(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, Number(42), n)
}
