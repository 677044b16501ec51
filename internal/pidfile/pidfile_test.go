package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "usi-supervisor.pid")
	p := New(path)

	require.NoError(t, p.Acquire())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")
	// PIDs are bounded well below this on every supported platform.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0644))

	p := New(path)
	require.NoError(t, p.Acquire())
	defer p.Release()

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireRefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0644))

	err := New(path).Acquire()
	require.ErrorIs(t, err, ErrRunning)
}

func TestReleaseWithoutAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreign.pid")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0644))

	require.NoError(t, New(path).Release())
	_, err := os.Stat(path)
	assert.NoError(t, err, "foreign pidfile must survive")
}
