package supervisor

import (
	"bufio"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/usibridge/internal/logger"
)

// pipeSink hands process output to the test as lines.
func pipeSink(t *testing.T) (io.Writer, *bufio.Scanner) {
	t.Helper()
	r, w := io.Pipe()
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return w, bufio.NewScanner(r)
}

func nextLine(t *testing.T, s *bufio.Scanner) string {
	t.Helper()
	lines := make(chan string, 1)
	go func() {
		if s.Scan() {
			lines <- s.Text()
		} else {
			lines <- ""
		}
	}()
	select {
	case line := <-lines:
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for engine output")
		return ""
	}
}

func waitExited(t *testing.T, p *Process, within time.Duration) {
	t.Helper()
	select {
	case <-p.Exited():
	case <-time.After(within):
		t.Fatalf("engine still alive in phase %s", p.Phase())
	}
}

func TestSpawnRelaysOutput(t *testing.T) {
	t.Setenv(fakeEngineEnv, "1")
	out, lines := pipeSink(t)

	p, err := Spawn(testBinary(t), out, ProcessOptions{}, logger.Global())
	require.NoError(t, err)
	defer func() {
		p.Shutdown()
		waitExited(t, p, 5*time.Second)
	}()

	require.NoError(t, p.WriteLine("usi"))
	assert.Equal(t, "id name fake", nextLine(t, lines))
	assert.Equal(t, "usiok", nextLine(t, lines))

	require.NoError(t, p.WriteLine("complain"))
	assert.Equal(t, "something on stderr", nextLine(t, lines))
}

func TestSpawnWorkingDirectory(t *testing.T) {
	t.Setenv(fakeEngineEnv, "1")
	out, lines := pipeSink(t)
	bin := testBinary(t)

	p, err := Spawn(bin, out, ProcessOptions{}, nil)
	require.NoError(t, err)
	defer func() {
		p.Shutdown()
		waitExited(t, p, 5*time.Second)
	}()

	require.NoError(t, p.WriteLine("pwd"))
	wd := nextLine(t, lines)

	want, err := filepath.EvalSymlinks(filepath.Dir(bin))
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(wd)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestShutdownGracefulQuit(t *testing.T) {
	t.Setenv(fakeEngineEnv, "1")

	p, err := Spawn(testBinary(t), io.Discard, ProcessOptions{QuitTimeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, p.Phase())

	start := time.Now()
	p.Shutdown()
	assert.Equal(t, PhaseQuitting, p.Phase())
	p.Shutdown()

	waitExited(t, p, 5*time.Second)
	assert.Less(t, time.Since(start), 4*time.Second, "quit should end the engine before escalation")
	assert.Equal(t, PhaseClosed, p.Phase())
	assert.NoError(t, p.Err())

	assert.ErrorIs(t, p.WriteLine("usi"), ErrProcessStopping)
}

func TestShutdownAfterExitIsNoop(t *testing.T) {
	t.Setenv(fakeEngineEnv, "1")

	p, err := Spawn(testBinary(t), io.Discard, ProcessOptions{}, nil)
	require.NoError(t, err)

	require.NoError(t, p.WriteLine("quit"))
	waitExited(t, p, 5*time.Second)

	p.Shutdown()
	assert.Equal(t, PhaseClosed, p.Phase())
}

func TestShutdownEscalatesToKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals are not delivered to process groups on windows")
	}
	t.Setenv(fakeEngineEnv, "stubborn")
	out, lines := pipeSink(t)

	p, err := Spawn(testBinary(t), out, ProcessOptions{
		QuitTimeout:      100 * time.Millisecond,
		TerminateTimeout: 100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	// Wait until SIGTERM is ignored before starting the ladder.
	require.Equal(t, "stubborn", nextLine(t, lines))
	go func() {
		for lines.Scan() {
		}
	}()

	p.Shutdown()

	assert.Eventually(t, func() bool {
		return p.Phase() == PhaseTerminating || p.Phase() == PhaseKilling || p.Phase() == PhaseClosed
	}, 2*time.Second, 5*time.Millisecond)

	waitExited(t, p, 5*time.Second)
	require.Error(t, p.Err())
	assert.True(t, strings.Contains(p.Err().Error(), "killed"), "unexpected exit: %v", p.Err())
}

func TestExitWithForkedHelperHoldingOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals are not delivered to process groups on windows")
	}
	t.Setenv(fakeEngineEnv, "forking")
	out, lines := pipeSink(t)

	p, err := Spawn(testBinary(t), out, ProcessOptions{}, nil)
	require.NoError(t, err)

	seen := make(chan string, 4)
	go func() {
		for lines.Scan() {
			seen <- lines.Text()
		}
	}()

	waitExited(t, p, 5*time.Second)
	assert.NoError(t, p.Err())
	assert.Equal(t, PhaseClosed, p.Phase())

	for {
		select {
		case line := <-seen:
			if line == "forked" {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("engine output was not relayed")
		}
	}
}

func TestSpawnMissingExecutable(t *testing.T) {
	_, err := Spawn(filepath.Join(t.TempDir(), "no-such-engine"), io.Discard, ProcessOptions{}, nil)
	assert.Error(t, err)
}
