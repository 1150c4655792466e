package supervisor

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// gracePeriod is how long a connector gets to exit after SIGTERM before the
// supervisor escalates to SIGKILL.
const gracePeriod = 5 * time.Second

// maxLineLength bounds a single stderr line; the connector occasionally dumps
// large JSON blobs on one line.
const maxLineLength = 1024 * 1024

// LineHandler receives one stderr line. Handlers run synchronously on the
// reader goroutine and must not block.
type LineHandler func(line string)

// Process is one live connector child. Exit is observed exactly once: the
// Done channel closes after the child is reaped and its stderr drained.
type Process struct {
	log       *zerolog.Logger
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	tokenPath string

	killTimeout time.Duration
	killOnce    sync.Once

	mu       sync.RWMutex
	handlers []LineHandler

	exited   chan struct{}
	exitCode int
}

func startProcess(binary string, args []string, tokenPath string, log *zerolog.Logger) (*Process, error) {
	cmd := exec.Command(binary, args...)
	// Stdin stays nil so the child reads EOF immediately.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to pipe connector stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to pipe connector stderr")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start connector process")
	}

	process := &Process{
		log:         log,
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		startedAt:   time.Now().UTC(),
		tokenPath:   tokenPath,
		killTimeout: gracePeriod,
		exited:      make(chan struct{}),
	}
	log.Debug().Int("pid", process.pid).Strs("args", args).Msg("Connector started")
	go process.run(stdout, stderr)
	return process, nil
}

// run drains both pipes, reaps the child, and records the exit. Both pipes
// must hit EOF before Wait, which closes them.
func (p *Process) run(stdout, stderr io.ReadCloser) {
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		_, _ = io.Copy(io.Discard, stdout)
	}()
	go func() {
		defer readers.Done()
		p.fanOut(stderr)
	}()
	readers.Wait()

	code := 0
	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	if p.tokenPath != "" {
		os.Remove(p.tokenPath)
	}
	p.exitCode = code
	close(p.exited)
	p.log.Debug().Int("pid", p.pid).Int("code", code).Msg("Connector exited")
}

// fanOut broadcasts each stderr line to every registered handler. Stream
// errors are swallowed; a broken pipe means the child is going away and the
// exit path reports that.
func (p *Process) fanOut(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for scanner.Scan() {
		line := scanner.Text()
		p.mu.RLock()
		handlers := p.handlers
		p.mu.RUnlock()
		for _, handler := range handlers {
			handler(line)
		}
	}
}

// OnLine registers a stderr subscriber. Lines arriving before registration
// are not replayed.
func (p *Process) OnLine(handler LineHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler)
}

// PID returns the child's process ID.
func (p *Process) PID() int {
	return p.pid
}

// StartedAt returns when the child was spawned.
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Done returns a channel closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// ExitCode returns the child's exit code. The second return is false while
// the child is still running. A signal death reports -1.
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.exited:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Kill stops the child: SIGTERM, a grace period, then SIGKILL. It returns
// once the child is reaped. Killing an exited process is a no-op, and
// concurrent calls signal only once.
func (p *Process) Kill() {
	select {
	case <-p.exited:
		return
	default:
	}
	p.killOnce.Do(func() {
		p.log.Debug().Int("pid", p.pid).Msg("Stopping connector")
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// already gone; the reaper will close exited
			return
		}
		select {
		case <-p.exited:
		case <-time.After(p.killTimeout):
			p.log.Warn().Int("pid", p.pid).Msg("Connector did not exit in time, sending SIGKILL")
			_ = p.cmd.Process.Kill()
		}
	})
	<-p.exited
}
