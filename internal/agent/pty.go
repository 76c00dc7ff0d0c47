package agent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Exit reasons reported with the terminal state.
const (
	ReasonNormal  = "normal"  // child exited on its own with a code
	ReasonSignal  = "signal"  // child died to a signal nobody asked for
	ReasonKilled  = "killed"  // child went down after an explicit kill
	ReasonUnknown = "unknown" // reap failed in a way we could not classify
)

// spawnSpec is everything needed to launch one agent process.
type spawnSpec struct {
	command string
	args    []string
	dir     string
	env     map[string]string
	cols    int
	rows    int
}

// ptyProc wraps a child process attached to a pseudo-terminal. The
// child runs as its own session leader, so signals target the whole
// process group.
type ptyProc struct {
	ptmx *os.File
	cmd  *exec.Cmd

	closeOnce sync.Once
	closeErr  error
}

// startPTY launches the child under a PTY sized to spec. The child
// inherits the bridge environment plus any overrides in spec.env.
func startPTY(spec spawnSpec) (*ptyProc, error) {
	binPath, err := exec.LookPath(spec.command)
	if err != nil {
		return nil, fmt.Errorf("agent command %q not found: %w", spec.command, err)
	}
	if resolved, rerr := filepath.EvalSymlinks(binPath); rerr == nil {
		binPath = resolved
	}

	cmd := exec.Command(binPath, spec.args...)
	cmd.Dir = spec.dir

	env := os.Environ()
	if _, ok := os.LookupEnv("TERM"); !ok {
		env = append(env, "TERM=xterm-256color")
	}
	for k, v := range spec.env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(spec.cols),
		Rows: uint16(spec.rows),
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &ptyProc{ptmx: ptmx, cmd: cmd}, nil
}

func (p *ptyProc) pid() int {
	return p.cmd.Process.Pid
}

func (p *ptyProc) write(data []byte) error {
	_, err := p.ptmx.Write(data)
	return err
}

func (p *ptyProc) read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

func (p *ptyProc) resize(cols, rows int) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// signal delivers sig to the child's process group so helpers the
// agent forked come down with it. Falls back to the child alone when
// the group is already gone.
func (p *ptyProc) signal(sig syscall.Signal) error {
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

// wait reaps the child and returns the raw error from Wait.
func (p *ptyProc) wait() error {
	return p.cmd.Wait()
}

func (p *ptyProc) close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.ptmx.Close()
	})
	return p.closeErr
}

// classifyExit turns the error from wait into an exit code and a
// reason string. killed marks exits that followed an explicit kill,
// whatever the child did with the signal.
func classifyExit(err error, killed bool) (*int, string) {
	if err == nil {
		code := 0
		if killed {
			return &code, ReasonKilled
		}
		return &code, ReasonNormal
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, ReasonUnknown
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		if killed {
			return nil, ReasonKilled
		}
		return nil, ReasonSignal
	}
	code := exitErr.ExitCode()
	if killed {
		return &code, ReasonKilled
	}
	return &code, ReasonNormal
}
