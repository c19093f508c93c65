package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/Legion/internal/model"
	"github.com/CZERTAINLY/Legion/internal/netscan"
)

// Prober tells whether a worker answers on a local port.
type Prober interface {
	HealthCheck(ctx context.Context, port int) bool
}

// ListeningFunc returns ports of r bound by any local process.
type ListeningFunc func(ctx context.Context, r netscan.Range) map[int]struct{}

// PortAllocator picks ports for new workers.
type PortAllocator struct {
	prober    Prober
	listening ListeningFunc
}

// NewPortAllocator returns an allocator skipping ports which answer the
// health probe or are bound by another process. A nil listening func
// disables the bound port check.
func NewPortAllocator(prober Prober, listening ListeningFunc) *PortAllocator {
	return &PortAllocator{
		prober:    prober,
		listening: listening,
	}
}

// NextAvailable returns the lowest port in [start, start+count) which is not
// in inUse, not bound and does not answer the health probe.
func (a *PortAllocator) NextAvailable(ctx context.Context, start, count int, inUse map[int]struct{}) (int, error) {
	if start < 1 || count < 1 || start+count-1 > 65535 {
		return 0, fmt.Errorf("%w: invalid port range start=%d count=%d", model.ErrConfiguration, start, count)
	}

	var bound map[int]struct{}
	if a.listening != nil {
		bound = a.listening(ctx, netscan.Range{First: uint16(start), Last: uint16(start + count - 1)})
	}

	for port := start; port < start+count; port++ {
		if _, ok := inUse[port]; ok {
			continue
		}
		if _, ok := bound[port]; ok {
			slog.DebugContext(ctx, "port bound by another process", "port", port)
			continue
		}
		if a.prober.HealthCheck(ctx, port) {
			slog.DebugContext(ctx, "port answers health check", "port", port)
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w: all ports %d-%d are taken", model.ErrPortExhaustion, start, start+count-1)
}
