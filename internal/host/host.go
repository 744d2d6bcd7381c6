// Package host wraps the operating system facilities the agent drives:
// subprocesses, filesystem space queries, sync and reboot.
package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

// Process is a started subprocess.
type Process interface {
	// Wait blocks until the process exits. A non-zero exit is an error.
	Wait() error
	// Kill forcibly terminates the process.
	Kill() error
}

// Runner starts subprocesses.
type Runner interface {
	Start(ctx context.Context, name string, args []string, dir string, onLine func(string)) (Process, error)
}

// ExecRunner runs real executables.
type ExecRunner struct{}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	once sync.Once
	wg   sync.WaitGroup
}

// Start launches name with args in dir. onLine, when set, receives each
// line of standard output.
func (ExecRunner) Start(ctx context.Context, name string, args []string, dir string, onLine func(string)) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	p := &execProcess{cmd: cmd, done: make(chan struct{})}

	var stdout io.ReadCloser
	if onLine != nil {
		var err error
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe for %s: %w", name, err)
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	if stdout != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			sc := bufio.NewScanner(stdout)
			for sc.Scan() {
				onLine(sc.Text())
			}
		}()
	}
	go func() {
		p.wg.Wait()
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) Wait() error {
	<-p.done
	if p.err != nil {
		return fmt.Errorf("%s: %w", p.cmd.Path, p.err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	var err error
	p.once.Do(func() {
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
			if errors.Is(err, os.ErrProcessDone) {
				err = nil
			}
		}
	})
	return err
}

// DiskSpace is the capacity of a filesystem in bytes.
type DiskSpace struct {
	Total uint64
	Used  uint64
	Free  uint64
}

// DiskSpacer queries filesystem capacity.
type DiskSpacer interface {
	DiskSpace(path string) (DiskSpace, error)
}

// Statfs reports capacity with statfs(2).
type Statfs struct{}

func (Statfs) DiskSpace(path string) (DiskSpace, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskSpace{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bavail * bsize
	used := total - st.Bfree*bsize
	return DiskSpace{Total: total, Used: used, Free: free}, nil
}

// Sync flushes filesystem buffers to storage.
func Sync() { unix.Sync() }

// Rebooter restarts the machine.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// CommandRebooter reboots by running an external command.
type CommandRebooter struct {
	Runner Runner
	Name   string
	Args   []string
}

func (r CommandRebooter) Reboot(ctx context.Context) error {
	unix.Sync()
	p, err := r.Runner.Start(ctx, r.Name, r.Args, "/", nil)
	if err != nil {
		return err
	}
	return p.Wait()
}
