package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"

	"github.com/CZERTAINLY/Legion/internal/model"
	"github.com/CZERTAINLY/Legion/internal/poll"
)

// Command is a fully resolved worker command line.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// TempRootEnv carries the absolute data exchange root to worker processes.
const TempRootEnv = "LEGION_TEMP_ROOT"

// CommandFromConfig builds the command starting a worker on port:
//
//	<python_executable> <comfyui_path>/main.py --port N --disable-auto-launch --dont-print-server [extra_args...]
//
// The environment is the current one plus TempRootEnv and
// execution.env_vars, values starting with $ are expanded.
func CommandFromConfig(cfg *model.Config, port int) (Command, error) {
	root := cfg.GetString(model.KeyComfyPath, "")
	if root == "" {
		return Command{}, fmt.Errorf("%w: %s is not set", model.ErrConfiguration, model.KeyComfyPath)
	}
	python := cfg.GetString(model.KeyPythonExecutable, "python3")

	args := []string{
		filepath.Join(root, "main.py"),
		"--port", strconv.Itoa(port),
		"--disable-auto-launch",
		"--dont-print-server",
	}
	extra, err := extraArgs(cfg)
	if err != nil {
		return Command{}, err
	}
	args = append(args, extra...)

	env := os.Environ()
	// relative roots would resolve against the worker directory
	tempRoot, err := filepath.Abs(cfg.GetString(model.KeyTempRoot, ""))
	if err != nil {
		return Command{}, fmt.Errorf("%w: %s: %w", model.ErrConfiguration, model.KeyTempRoot, err)
	}
	env = append(env, TempRootEnv+"="+tempRoot)
	if raw, ok := cfg.Lookup(model.KeyEnvVars); ok {
		vars, ok := raw.(map[string]any)
		if !ok {
			return Command{}, fmt.Errorf("%w: %s must be a map", model.ErrConfiguration, model.KeyEnvVars)
		}
		for k, v := range vars {
			s := fmt.Sprint(v)
			if strings.HasPrefix(s, "$") {
				s = os.ExpandEnv(s)
			}
			env = append(env, k+"="+s)
		}
	}

	return Command{
		Path: python,
		Args: args,
		Env:  env,
		Dir:  root,
	}, nil
}

func extraArgs(cfg *model.Config) ([]string, error) {
	switch x := cfg.Get(model.KeyExtraArgs, nil).(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(x) == "" {
			return nil, nil
		}
		args, err := shlex.Split(x)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", model.ErrConfiguration, model.KeyExtraArgs, err)
		}
		return args, nil
	case []string:
		return x, nil
	case []any:
		ret := make([]string, len(x))
		for i, a := range x {
			ret[i] = fmt.Sprint(a)
		}
		return ret, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a string or a list, got %T", model.ErrConfiguration, model.KeyExtraArgs, x)
	}
}

// Process is a started worker process. It is not bound to the context
// of the request which started it and runs until it exits or Stop is
// called.
type Process struct {
	mx      sync.RWMutex
	cmd     *exec.Cmd
	started time.Time
	stopped time.Time
	state   *os.ProcessState
	err     error
	done    chan struct{}
}

// Start runs the command and forwards its stdout and stderr lines to the
// log. It does not wait for the command to finish, use Done for that.
func Start(ctx context.Context, proto Command) (*Process, error) {
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	p := &Process{
		cmd:     cmd,
		started: time.Now().UTC(),
		done:    make(chan struct{}),
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	// keep log attributes but drop the cancellation of the request
	logCtx := context.WithoutCancel(ctx)
	var pipes sync.WaitGroup
	pipes.Go(func() { processOutput(logCtx, stdout, "stdout") })
	pipes.Go(func() { processOutput(logCtx, stderr, "stderr") })
	go p.wait(&pipes)
	return p, nil
}

func processOutput(ctx context.Context, r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		slog.DebugContext(ctx, scanner.Text(), "stream", stream)
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing worker output", "stream", stream, "error", err)
	}
}

func (p *Process) wait(pipes *sync.WaitGroup) {
	// pipes must be drained before Wait closes them
	pipes.Wait()
	err := p.cmd.Wait()
	stopped := time.Now().UTC()

	p.mx.Lock()
	p.stopped = stopped
	p.state = p.cmd.ProcessState
	p.err = err
	p.mx.Unlock()
	close(p.done)
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Uptime returns for how long the process runs or did run.
func (p *Process) Uptime() time.Duration {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if p.stopped.IsZero() {
		return time.Since(p.started)
	}
	return p.stopped.Sub(p.started)
}

// Done is closed once the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has finished.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error the process finished with, nil while it runs.
func (p *Process) ExitErr() error {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if p.err == nil && p.state != nil && !p.state.Success() {
		return fmt.Errorf("exit status %d", p.state.ExitCode())
	}
	return p.err
}

// Stop asks the process to terminate, kills it after grace and waits.
func (p *Process) Stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}

// Launcher starts worker processes and waits until they answer.
type Launcher struct {
	prober Prober
	policy poll.Policy
	// graceful termination period of a process which never came up
	grace time.Duration
}

func NewLauncher(prober Prober, policy poll.Policy) *Launcher {
	return &Launcher{
		prober: prober,
		policy: policy,
		grace:  5 * time.Second,
	}
}

// StartupPolicy reads the startup health polling from the configuration.
func StartupPolicy(cfg *model.Config) poll.Policy {
	return poll.Policy{
		Interval: cfg.GetDuration(model.KeyStartupInterval, 1500*time.Millisecond),
		Attempts: cfg.GetInt(model.KeyStartupAttempts, 200),
	}
}

// Launch starts a worker for cfg on port and blocks until it answers the
// health probe. A worker which does not come up in time, or exits before,
// is stopped and ErrLaunchTimeout returned.
func (l *Launcher) Launch(ctx context.Context, cfg *model.Config, port int) (*Process, error) {
	cmd, err := CommandFromConfig(cfg, port)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "launching worker", "command", cmd.String(), "dir", cmd.Dir)

	proc, err := Start(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: starting %s: %w", model.ErrLaunchTimeout, cmd.Path, err)
	}
	slog.InfoContext(ctx, "worker process started, waiting for it to come online", "pid", proc.Pid())

	err = poll.Until(ctx, l.policy, func(ctx context.Context) (bool, error) {
		if proc.Exited() {
			return false, fmt.Errorf("worker exited: %v", proc.ExitErr())
		}
		return l.prober.HealthCheck(ctx, port), nil
	})
	if err != nil {
		_ = proc.Stop(l.grace)
		return nil, fmt.Errorf("%w: worker on port %d: %w", model.ErrLaunchTimeout, port, err)
	}
	slog.InfoContext(ctx, "worker is online", "pid", proc.Pid())
	return proc, nil
}
