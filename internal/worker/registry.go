package worker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Legion/internal/log"
	"github.com/CZERTAINLY/Legion/internal/model"
)

// unresponsive workers get this long to terminate before being killed
const staleGrace = 5 * time.Second

// Handle describes a live worker. Process is nil for workers started
// outside of this process and adopted on their fixed port.
type Handle struct {
	Port        int
	Process     *Process
	Fingerprint string
}

type ProcessLauncher interface {
	Launch(ctx context.Context, cfg *model.Config, port int) (*Process, error)
}

type Allocator interface {
	NextAvailable(ctx context.Context, start, count int, inUse map[int]struct{}) (int, error)
}

// Registry maps configuration fingerprints to live workers. There is at
// most one handle per fingerprint. Workers are long lived and reused, the
// registry never stops them on its own, see Shutdown.
type Registry struct {
	mx        sync.Mutex
	prober    Prober
	launcher  ProcessLauncher
	allocator Allocator
	handles   map[string]Handle
	processes map[int]*Process
}

func NewRegistry(prober Prober, launcher ProcessLauncher, allocator Allocator) *Registry {
	return &Registry{
		prober:    prober,
		launcher:  launcher,
		allocator: allocator,
		handles:   make(map[string]Handle),
		processes: make(map[int]*Process),
	}
}

// EnsureAlive returns the port of a live worker for cfg, launching one if
// needed. The lock is held for the whole check then launch sequence, so
// concurrent callers with the same fingerprint never launch twice.
func (r *Registry) EnsureAlive(ctx context.Context, cfg *model.Config) (int, error) {
	fp := Fingerprint(cfg)

	r.mx.Lock()
	defer r.mx.Unlock()
	r.prune(ctx)

	if h, ok := r.handles[fp]; ok {
		wctx := log.Worker(ctx, h.Port, fp)
		if r.prober.HealthCheck(wctx, h.Port) {
			slog.DebugContext(wctx, "reusing worker")
			return h.Port, nil
		}
		slog.WarnContext(wctx, "worker does not answer, relaunching")
		r.forget(wctx, fp, h)
	}

	port, fixed := FixedPort(cfg)
	if fixed && r.prober.HealthCheck(ctx, port) {
		slog.InfoContext(log.Worker(ctx, port, fp), "adopting running worker")
		r.handles[fp] = Handle{Port: port, Fingerprint: fp}
		return port, nil
	}

	if !fixed {
		var err error
		port, err = r.allocator.NextAvailable(
			ctx,
			cfg.GetInt(model.KeyStartPort, 8200),
			cfg.GetInt(model.KeyMaxWorkers, 20),
			r.inUse(),
		)
		if err != nil {
			return 0, err
		}
	}

	wctx := log.Worker(ctx, port, fp)
	proc, err := r.launcher.Launch(wctx, cfg, port)
	if err != nil {
		return 0, err
	}
	r.handles[fp] = Handle{Port: port, Process: proc, Fingerprint: fp}
	r.processes[port] = proc
	return port, nil
}

// forget drops the handle of an unresponsive worker and stops its process,
// which may still hold the port.
func (r *Registry) forget(ctx context.Context, fp string, h Handle) {
	delete(r.handles, fp)
	if h.Process == nil {
		return
	}
	if !h.Process.Exited() {
		slog.InfoContext(ctx, "stopping unresponsive worker", "pid", h.Process.Pid())
		_ = h.Process.Stop(staleGrace)
	}
	if r.processes[h.Port] == h.Process {
		delete(r.processes, h.Port)
	}
}

// prune forgets processes observed dead.
func (r *Registry) prune(ctx context.Context) {
	for port, proc := range r.processes {
		if proc == nil || !proc.Exited() {
			continue
		}
		slog.InfoContext(ctx, "worker process exited", "port", port, "error", proc.ExitErr())
		delete(r.processes, port)
	}
}

func (r *Registry) inUse() map[int]struct{} {
	ret := make(map[int]struct{}, len(r.processes)+len(r.handles))
	for port := range r.processes {
		ret[port] = struct{}{}
	}
	for _, h := range r.handles {
		ret[h.Port] = struct{}{}
	}
	return ret
}

// Lookup returns the handle registered for fingerprint.
func (r *Registry) Lookup(fingerprint string) (Handle, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	h, ok := r.handles[fingerprint]
	return h, ok
}

// Handles returns all registered handles ordered by port.
func (r *Registry) Handles() []Handle {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := slices.Collect(maps.Values(r.handles))
	slices.SortFunc(ret, func(a, b Handle) int { return a.Port - b.Port })
	return ret
}

// Shutdown stops every process launched by this registry and forgets all
// handles. Adopted workers are left running.
func (r *Registry) Shutdown(ctx context.Context, grace time.Duration) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	var wg sync.WaitGroup
	for port, proc := range r.processes {
		if proc == nil {
			continue
		}
		wg.Go(func() {
			slog.InfoContext(ctx, "stopping worker", "port", port, "pid", proc.Pid(), "uptime", proc.Uptime())
			_ = proc.Stop(grace)
		})
	}
	wg.Wait()
	clear(r.processes)
	clear(r.handles)
	return nil
}

func (h Handle) String() string {
	if h.Process == nil {
		return fmt.Sprintf("%s@%d (adopted)", h.Fingerprint, h.Port)
	}
	return fmt.Sprintf("%s@%d pid=%d", h.Fingerprint, h.Port, h.Process.Pid())
}
