package framework_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/lineage/pkg/framework"
)

// CPU profiling is process wide, so this test does not run in parallel.
func TestProfilesWritesFiles(t *testing.T) {
	dir := t.TempDir()
	p := &framework.Profiles{
		CPUPath:  filepath.Join(dir, "cpu.pprof"),
		HeapPath: filepath.Join(dir, "heap.pprof"),
	}

	require.NoError(t, p.Start())
	p.Stop()

	for _, path := range []string{p.CPUPath, p.HeapPath} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Positive(t, info.Size(), path)
	}
}

func TestProfilesDisabled(t *testing.T) {
	t.Parallel()

	p := &framework.Profiles{}
	require.NoError(t, p.Start())
	p.Stop()
}

func TestProfilesBadPath(t *testing.T) {
	t.Parallel()

	p := &framework.Profiles{CPUPath: filepath.Join(t.TempDir(), "missing", "cpu.pprof")}
	require.Error(t, p.Start())
}
