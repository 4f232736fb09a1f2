package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is one running agent turn.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Interrupt asks the turn to stop; delivery is best-effort and
	// asynchronous.
	Interrupt() error
	// Kill force-terminates the turn.
	Kill() error
	// Wait blocks until exit and returns the exit code. Called exactly once.
	Wait() int
}

// Launcher starts agent turns.
type Launcher interface {
	Launch(threadID, prompt string) (Process, error)
}

// ExecLauncher launches the agent CLI as a subprocess per turn, speaking
// stream-json on stdout.
type ExecLauncher struct {
	Binary  string
	WorkDir string
}

// Launch starts one turn for a thread.
func (l *ExecLauncher) Launch(threadID, prompt string) (Process, error) {
	binaryPath, err := exec.LookPath(l.Binary)
	if err != nil {
		return nil, fmt.Errorf("agent CLI %q not found in PATH", l.Binary)
	}

	cmd := exec.Command(binaryPath,
		"--print", prompt,
		"--resume", threadID,
		"--output-format", "stream-json",
	)
	cmd.Dir = l.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent CLI: %w", err)
	}

	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Interrupt() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}
