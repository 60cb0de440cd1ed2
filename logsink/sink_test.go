package logsink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatLine(t *testing.T) {
	assert.Equal(t, `a,"b,c","d ""q"""`, FormatLine([]string{"a", "b,c", `d "q"`}))
	assert.Equal(t, "single", FormatLine([]string{"single"}))
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Write("c1", LevelWarn, []string{"x", "y"}))
	recs := m.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, Record{CellID: "c1", Level: LevelWarn, Line: "x,y"}, recs[0])
}

func TestFile_BuffersAndFlushesPerCell(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(FileConfig{Directory: dir, BufferSize: 100, FlushInterval: time.Hour}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Start())

	require.NoError(t, f.Write("c1", LevelInfo, []string{"one"}))
	require.NoError(t, f.Write("c2", LevelInfo, []string{"two", "a,b"}))
	require.NoError(t, f.Write("c1", LevelInfo, []string{"three"}))

	_, err = os.Stat(filepath.Join(dir, "c1", "default.log"))
	assert.True(t, os.IsNotExist(err), "nothing written before flush")

	require.NoError(t, f.Stop(time.Second))

	c1, err := os.ReadFile(filepath.Join(dir, "c1", "default.log"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "three"}, strings.Split(strings.TrimSpace(string(c1)), "\n"))

	c2, err := os.ReadFile(filepath.Join(dir, "c2", "default.log"))
	require.NoError(t, err)
	assert.Equal(t, "two,\"a,b\"\n", string(c2))

	written, failed := f.Stats()
	assert.Equal(t, int64(3), written)
	assert.Zero(t, failed)
}

func TestFile_FlushOnFullBuffer(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(FileConfig{Directory: dir, BufferSize: 2, FlushInterval: time.Hour}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Start())
	defer f.Stop(time.Second)

	require.NoError(t, f.Write("c1", LevelError, []string{"1"}))
	require.NoError(t, f.Write("c1", LevelError, []string{"2"}))

	data, err := os.ReadFile(filepath.Join(dir, "c1", "default.log"))
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n", string(data))
}

func TestFile_Validation(t *testing.T) {
	_, err := NewFile(FileConfig{}, nil)
	assert.Error(t, err)

	f, err := NewFile(FileConfig{Directory: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Error(t, f.Write("", LevelInfo, []string{"x"}))
	require.NoError(t, f.Start())
	assert.Error(t, f.Start())
	require.NoError(t, f.Stop(time.Second))
	require.NoError(t, f.Stop(time.Second))
}
