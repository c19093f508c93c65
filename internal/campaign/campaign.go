package campaign

import (
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/Legion/internal/exchange"
	"github.com/CZERTAINLY/Legion/internal/model"
)

// closed is returned by Done of campaigns without background work.
var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Campaign is one execution request tracked from creation to its terminal
// status. A new Campaign is created for every request.
type Campaign struct {
	ID     string
	Config *model.Config

	mx      sync.RWMutex
	status  Status
	port    int
	outputs exchange.Values
	err     error
	// collected is set once outputs were read from the run directory
	collected bool
	done      <-chan struct{}

	// serializes joins
	joinMx sync.Mutex
}

func newCampaign(cfg *model.Config) *Campaign {
	return &Campaign{
		ID:     uuid.NewString(),
		Config: cfg,
		status: StatusCreated,
	}
}

func (c *Campaign) Status() Status {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.status
}

// Port returns the port of the worker the campaign runs on, zero before
// the worker is known.
func (c *Campaign) Port() int {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.port
}

// Err returns the failure of a FAILED campaign.
func (c *Campaign) Err() error {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.err
}

// Outputs returns a copy of the collected outputs.
func (c *Campaign) Outputs() exchange.Values {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return slices.Clone(c.outputs)
}

// Done is closed once the background execution of an asynchronous campaign
// finished. It is closed right away for all other campaigns.
func (c *Campaign) Done() <-chan struct{} {
	c.mx.RLock()
	defer c.mx.RUnlock()
	if c.done == nil {
		return closed
	}
	return c.done
}

func (c *Campaign) String() string {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return "campaign " + c.ID + " " + string(c.status)
}

func (c *Campaign) transition(to Status) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.transitionLocked(to)
}

func (c *Campaign) transitionLocked(to Status) error {
	if !c.status.CanTransition(to) {
		return &TransitionError{ID: c.ID, From: c.status, To: to}
	}
	c.status = to
	return nil
}

func (c *Campaign) setPort(port int) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.port = port
}

func (c *Campaign) setDone(done <-chan struct{}) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.done = done
}

// complete stores outputs and moves to status in one step, so readers
// never see a successful status without outputs.
func (c *Campaign) complete(to Status, outputs exchange.Values, collected bool) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if err := c.transitionLocked(to); err != nil {
		return err
	}
	c.outputs = outputs
	c.collected = collected
	return nil
}

func (c *Campaign) fail(err error) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if terr := c.transitionLocked(StatusFailed); terr != nil {
		return terr
	}
	c.err = err
	return nil
}

func (c *Campaign) collect(outputs exchange.Values) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.outputs = outputs
	c.collected = true
}

func (c *Campaign) isCollected() bool {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.collected
}
