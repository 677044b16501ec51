package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/codefionn/usibridge/internal/consts"
	"github.com/codefionn/usibridge/internal/logger"
)

// Phase is where a Process stands in its shutdown ladder.
type Phase int

const (
	PhaseRunning Phase = iota
	PhaseQuitting
	PhaseTerminating
	PhaseKilling
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseQuitting:
		return "quitting"
	case PhaseTerminating:
		return "terminating"
	case PhaseKilling:
		return "killing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrProcessStopping is returned by WriteLine once shutdown has begun.
var ErrProcessStopping = errors.New("engine process is shutting down")

// ProcessOptions bounds each step of the shutdown ladder.
type ProcessOptions struct {
	QuitTimeout      time.Duration
	TerminateTimeout time.Duration
}

func (o ProcessOptions) withDefaults() ProcessOptions {
	if o.QuitTimeout <= 0 {
		o.QuitTimeout = consts.QuitTimeout
	}
	if o.TerminateTimeout <= 0 {
		o.TerminateTimeout = consts.TerminateTimeout
	}
	return o
}

// Process owns one spawned engine and its standard streams.
type Process struct {
	cmd  *exec.Cmd
	pgid int
	opts ProcessOptions
	log  *logger.Logger

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	mu    sync.Mutex
	phase Phase
	timer *time.Timer

	exited  chan struct{}
	waitErr error
}

// Spawn starts the executable at path with its own directory as working
// directory. Everything it prints on stdout and stderr is copied to out as
// it arrives.
func Spawn(path string, out io.Writer, opts ProcessOptions, log *logger.Logger) (*Process, error) {
	if log == nil {
		log = logger.Global()
	}

	cmd := exec.Command(path)
	cmd.Dir = filepath.Dir(path)
	cmd.Env = os.Environ()
	configureProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	p := &Process{
		cmd:    cmd,
		pgid:   processGroupID(cmd),
		opts:   opts.withDefaults(),
		log:    log,
		stdin:  stdin,
		exited: make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.copyOutput(&readers, out, stdout)
	go p.copyOutput(&readers, out, stderr)
	go p.wait(&readers, stdout, stderr)

	log.Info("Engine started: %s (pid=%d)", path, cmd.Process.Pid)
	return p, nil
}

// copyOutput forwards a stream and keeps draining it after the sink fails so
// the engine never blocks on a full pipe.
func (p *Process) copyOutput(wg *sync.WaitGroup, out io.Writer, r io.Reader) {
	defer wg.Done()
	if _, err := io.Copy(out, r); err != nil {
		p.log.Debug("Engine output relay stopped: %v", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

// wait reaps the engine as soon as it exits, independently of its output.
// Helpers it forked can keep the pipes open; once the drain timeout passes
// the whole group is killed and the pipes closed, so Exited always fires.
func (p *Process) wait(readers *sync.WaitGroup, pipes ...io.Closer) {
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	state, err := p.cmd.Process.Wait()
	if err == nil && !state.Success() {
		err = &exec.ExitError{ProcessState: state}
	}
	_ = p.stdin.Close()

	select {
	case <-drained:
	case <-time.After(consts.OutputDrainTimeout):
		p.log.Warn("Engine pid=%d exited but its output is still held open, killing its process group", p.cmd.Process.Pid)
		_ = killProcess(p.cmd, p.pgid)
		select {
		case <-drained:
		case <-time.After(consts.OutputDrainTimeout):
			closeAll(pipes)
			<-drained
		}
	}
	closeAll(pipes)

	p.mu.Lock()
	p.phase = PhaseClosed
	p.waitErr = err
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Info("Engine pid=%d exited: %v", p.cmd.Process.Pid, err)
	} else {
		p.log.Info("Engine pid=%d exited", p.cmd.Process.Pid)
	}
	close(p.exited)
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

// WriteLine sends one line to the engine's standard input.
func (p *Process) WriteLine(line string) error {
	if p.Phase() != PhaseRunning {
		return ErrProcessStopping
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("write to engine: %w", err)
	}
	return nil
}

// Shutdown starts the ladder: "quit" and close stdin, then SIGTERM after
// QuitTimeout, then SIGKILL after TerminateTimeout. Only the first call has
// any effect, and none once the process has exited.
func (p *Process) Shutdown() {
	p.mu.Lock()
	if p.phase != PhaseRunning {
		p.mu.Unlock()
		return
	}
	p.phase = PhaseQuitting
	p.timer = time.AfterFunc(p.opts.QuitTimeout, p.escalate)
	p.mu.Unlock()

	// A wedged engine may not drain stdin; never block the caller on it.
	go func() {
		p.stdinMu.Lock()
		defer p.stdinMu.Unlock()
		_, _ = io.WriteString(p.stdin, "quit\n")
		_ = p.stdin.Close()
	}()
}

func (p *Process) escalate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.phase {
	case PhaseQuitting:
		p.phase = PhaseTerminating
		p.log.Warn("Engine pid=%d ignored quit, sending SIGTERM", p.cmd.Process.Pid)
		if err := terminateProcess(p.cmd, p.pgid); err != nil {
			p.log.Warn("Failed to terminate engine pid=%d: %v", p.cmd.Process.Pid, err)
		}
		p.timer = time.AfterFunc(p.opts.TerminateTimeout, p.escalate)
	case PhaseTerminating:
		p.phase = PhaseKilling
		p.log.Warn("Engine pid=%d still running, sending SIGKILL", p.cmd.Process.Pid)
		if err := killProcess(p.cmd, p.pgid); err != nil {
			p.log.Error("Failed to kill engine pid=%d: %v", p.cmd.Process.Pid, err)
		}
		p.timer = nil
	}
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Phase returns the current shutdown phase.
func (p *Process) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Err returns the wait error after Exited is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}
