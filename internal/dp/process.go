package dp

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// InheritedFD is the descriptor number under which the subprocess finds the
// segment (the first ExtraFiles slot).
const InheritedFD = 3

// InheritedSegment returns the segment file passed by Spawn.
func InheritedSegment() *os.File {
	return os.NewFile(InheritedFD, "dpni-segment")
}

// SpawnConfig describes how to start the I/O subprocess.
type SpawnConfig struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a running I/O subprocess.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Spawn starts the subprocess with seg's memfd inherited as InheritedFD. The
// child receives SIGKILL if this process dies.
func Spawn(seg *Segment, cfg SpawnConfig) (*Process, error) {
	if seg.File() == nil {
		return nil, fmt.Errorf("%w: anonymous segment cannot be inherited", ErrLayout)
	}
	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	cmd.ExtraFiles = []*os.File{seg.File()}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Path, err)
	}
	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// Pid returns the subprocess pid.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed when the subprocess exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop asks the subprocess to exit with SIGTERM and kills it if it has not
// exited after grace.
func (p *Process) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill dp %d: %w", p.Pid(), err)
	}
	<-p.done
	return nil
}
