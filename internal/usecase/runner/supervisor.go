package runner

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentdock/internal/domain"
)

// Default supervisor settings.
const (
	defaultGracePeriod        = 5 * time.Second
	defaultBreakerMaxFailures = 5
	defaultBreakerOpenTimeout = 30 * time.Second
)

// SupervisorConfig holds process supervision settings.
type SupervisorConfig struct {
	// GracePeriod is how long Terminate waits for a voluntary exit before
	// escalating to Kill.
	GracePeriod time.Duration
	// BreakerMaxFailures is the number of consecutive spawn failures
	// before the circuit opens and Spawn fails fast. A missing binary or
	// a broken installation fails every spawn the same way; the breaker
	// keeps repeated Start calls from hammering the host.
	BreakerMaxFailures uint32
	// BreakerOpenTimeout is how long the circuit stays open before a
	// probe spawn is allowed.
	BreakerOpenTimeout time.Duration
}

// Supervisor spawns and controls one child process per run.
type Supervisor struct {
	grace   time.Duration
	breaker *gobreaker.CircuitBreaker[*ProcessHandle]
	logger  *slog.Logger
}

// NewSupervisor creates a Supervisor. Zero-valued config fields get defaults.
func NewSupervisor(cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = defaultBreakerMaxFailures
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = defaultBreakerOpenTimeout
	}

	cb := gobreaker.NewCircuitBreaker[*ProcessHandle](gobreaker.Settings{
		Name:        "supervisor:spawn",
		MaxRequests: 1, // one probe in half-open state
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("spawn circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Supervisor{grace: cfg.GracePeriod, breaker: cb, logger: logger}
}

// Spawn starts the child process described by inv and returns its handle.
// Failures (binary missing, permission denied, bad working directory) are
// spawn errors; the caller marks the run failed without it ever running.
func (s *Supervisor) Spawn(inv domain.Invocation) (*ProcessHandle, error) {
	handle, err := s.breaker.Execute(func() (*ProcessHandle, error) {
		return s.spawn(inv)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewSubSystemError("supervisor", "Spawn", domain.ErrSpawn,
				"spawn circuit open: "+err.Error())
		}
		return nil, err
	}
	return handle, nil
}

func (s *Supervisor) spawn(inv domain.Invocation) (*ProcessHandle, error) {
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	if inv.Env != nil {
		cmd.Env = inv.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.NewSubSystemError("supervisor", "Spawn", domain.ErrSpawn, "stdout pipe: "+err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, domain.NewSubSystemError("supervisor", "Spawn", domain.ErrSpawn, "stderr pipe: "+err.Error())
	}

	if err := cmd.Start(); err != nil {
		return nil, domain.NewSubSystemError("supervisor", "Spawn", domain.ErrSpawn, err.Error())
	}

	h := &ProcessHandle{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		grace:  s.grace,
		done:   make(chan struct{}),
		logger: s.logger,
	}
	s.logger.Info("process spawned", "pid", h.PID(), "path", inv.Path, "dir", inv.Dir)
	return h, nil
}

// ExitOutcome describes how a process ended.
type ExitOutcome struct {
	// Code is the exit code for a normal exit; -1 when killed by signal.
	Code int
	// Signal names the terminating signal, empty for a normal exit.
	Signal string
	// Err is set when Wait itself failed for a reason other than a
	// non-zero exit.
	Err error
}

func (o ExitOutcome) String() string {
	if o.Signal != "" {
		return fmt.Sprintf("terminated by signal %s", o.Signal)
	}
	return fmt.Sprintf("exited with code %d", o.Code)
}

// ProcessHandle controls one spawned child process. The stdout reader is
// owned by the run's pipeline; exactly one goroutine reads it.
type ProcessHandle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	grace  time.Duration
	logger *slog.Logger

	waitOnce sync.Once
	outcome  ExitOutcome
	done     chan struct{}

	termOnce sync.Once
}

// PID returns the operating-system process id.
func (h *ProcessHandle) PID() int {
	return h.cmd.Process.Pid
}

// Stdout is the event stream. Read it to end-of-stream before calling Wait.
func (h *ProcessHandle) Stdout() io.Reader { return h.stdout }

// Stderr is diagnostic output only, never parsed as events.
func (h *ProcessHandle) Stderr() io.Reader { return h.stderr }

// Terminate asks the process to exit with SIGTERM and escalates to SIGKILL
// if it has not exited within the grace period. It returns immediately.
func (h *ProcessHandle) Terminate() {
	h.termOnce.Do(func() {
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Already gone; Wait will observe the exit.
			return
		}
		go func() {
			select {
			case <-h.done:
			case <-time.After(h.grace):
				h.logger.Warn("process ignored SIGTERM, killing", "pid", h.PID(), "grace", h.grace)
				h.Kill()
			}
		}()
	})
}

// Kill forcefully terminates the process.
func (h *ProcessHandle) Kill() {
	_ = h.cmd.Process.Kill()
}

// Wait blocks until the process exits and returns the outcome. Safe to call
// from multiple goroutines; the underlying wait happens once.
func (h *ProcessHandle) Wait() ExitOutcome {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		if err == nil {
			h.outcome = ExitOutcome{Code: 0}
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			out := ExitOutcome{Code: exitErr.ExitCode()}
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				out.Signal = ws.Signal().String()
			}
			h.outcome = out
		} else {
			h.outcome = ExitOutcome{Code: -1, Err: err}
		}
		close(h.done)
	})
	<-h.done
	return h.outcome
}
