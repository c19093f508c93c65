package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/CZERTAINLY/Legion/internal/codec"
	"github.com/CZERTAINLY/Legion/internal/exchange"
	"github.com/CZERTAINLY/Legion/internal/log"
	"github.com/CZERTAINLY/Legion/internal/model"
	"github.com/CZERTAINLY/Legion/internal/rpc"
	"github.com/CZERTAINLY/Legion/internal/workflow"
)

// AsyncPlaceholder stands in for every output of an asynchronous campaign
// until it is joined.
const AsyncPlaceholder = "ERROR: execution.asynch is true, join the campaign to get its outputs"

// Workers provides live workers for configurations.
type Workers interface {
	EnsureAlive(ctx context.Context, cfg *model.Config) (int, error)
}

// Dispatcher runs a job graph on a worker.
type Dispatcher interface {
	SubmitAndAwait(ctx context.Context, port int, wf workflow.Workflow) (rpc.Result, error)
	SubmitAsync(ctx context.Context, port int, wf workflow.Workflow, onComplete func(rpc.Result, error)) <-chan struct{}
}

// DispatcherFunc returns the dispatcher for a campaign configuration.
type DispatcherFunc func(cfg *model.Config) Dispatcher

// Request asks for one execution. Exactly one of Config and Previous must
// be set, Previous reuses the configuration of an earlier campaign.
type Request struct {
	Config   *model.Config
	Previous *Campaign
	Inputs   exchange.Values
}

func (r Request) config() (*model.Config, error) {
	const msg = "exactly one of a configuration or a previous campaign is required"
	switch {
	case r.Config == nil && r.Previous == nil:
		return nil, fmt.Errorf("%w: %s, got none", model.ErrConfiguration, msg)
	case r.Config != nil && r.Previous != nil:
		return nil, fmt.Errorf("%w: %s, not both", model.ErrConfiguration, msg)
	case r.Config != nil:
		return r.Config, nil
	default:
		if r.Previous.Config == nil {
			return nil, fmt.Errorf("%w: previous campaign %s has no configuration", model.ErrConfiguration, r.Previous.ID)
		}
		return r.Previous.Config, nil
	}
}

// Controller drives campaigns from creation to a terminal status.
type Controller struct {
	workers  Workers
	dispatch DispatcherFunc
	codecs   *codec.Registry

	mx     sync.Mutex
	active map[string]struct{}
}

type Option func(*Controller)

func WithDispatcher(fn DispatcherFunc) Option {
	return func(c *Controller) {
		c.dispatch = fn
	}
}

func WithCodecs(r *codec.Registry) Option {
	return func(c *Controller) {
		c.codecs = r
	}
}

func NewController(workers Workers, opts ...Option) *Controller {
	c := &Controller{
		workers: workers,
		dispatch: func(cfg *model.Config) Dispatcher {
			return rpc.NewClientFromConfig(cfg)
		},
		codecs: codec.Default(),
		active: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Exchange returns the data exchange rooted at paths.temp_root_dir of cfg.
func (ctl *Controller) Exchange(cfg *model.Config) (*exchange.Exchange, error) {
	return exchange.New(cfg.GetString(model.KeyTempRoot, ""), ctl.codecs)
}

// Active reports whether a campaign still works with its run directory.
func (ctl *Controller) Active(id string) bool {
	ctl.mx.Lock()
	defer ctl.mx.Unlock()
	_, ok := ctl.active[id]
	return ok
}

func (ctl *Controller) track(id string) {
	ctl.mx.Lock()
	defer ctl.mx.Unlock()
	ctl.active[id] = struct{}{}
}

func (ctl *Controller) untrack(id string) {
	ctl.mx.Lock()
	defer ctl.mx.Unlock()
	delete(ctl.active, id)
}

// Warmup makes sure a worker runs for the configuration and returns a
// WARMED_UP campaign without outputs.
func (ctl *Controller) Warmup(ctx context.Context, req Request) (*Campaign, error) {
	cfg, err := req.config()
	if err != nil {
		return nil, err
	}
	c := newCampaign(cfg)
	ctx = log.Campaign(ctx, c.ID)
	if err := ctl.warmup(ctx, c); err != nil {
		_ = c.fail(err)
		return c, err
	}
	slog.InfoContext(ctx, "warmup complete", "port", c.Port())
	return c, nil
}

func (ctl *Controller) warmup(ctx context.Context, c *Campaign) error {
	port, err := ctl.workers.EnsureAlive(ctx, c.Config)
	if err != nil {
		return err
	}
	c.setPort(port)
	return c.transition(StatusWarmedUp)
}

// Execute runs a new campaign. Dry runs echo the inputs, synchronous
// campaigns return the worker outputs and asynchronous ones return a
// placeholder per input, their outputs are obtained by Join.
func (ctl *Controller) Execute(ctx context.Context, req Request) (*Campaign, exchange.Values, error) {
	cfg, err := req.config()
	if err != nil {
		return nil, nil, err
	}
	x, err := ctl.Exchange(cfg)
	if err != nil {
		return nil, nil, err
	}

	c := newCampaign(cfg)
	ctx = log.Campaign(ctx, c.ID)
	ctl.track(c.ID)

	outputs, err := ctl.execute(ctx, c, x, req.Inputs)
	if err != nil {
		if ferr := c.fail(err); ferr != nil {
			slog.ErrorContext(ctx, "marking campaign as failed", "error", ferr)
		}
		ctl.untrack(c.ID)
		slog.ErrorContext(ctx, "campaign failed", "error", err, "run_dir", x.RunDir(c.ID))
		return c, nil, err
	}
	return c, outputs, nil
}

func (ctl *Controller) execute(ctx context.Context, c *Campaign, x *exchange.Exchange, inputs exchange.Values) (exchange.Values, error) {
	dryRun := c.Config.GetBool(model.KeyDryRun, false)
	slog.InfoContext(ctx, "preparing campaign", "dry_run", dryRun, "inputs", inputs.Names())

	// dry runs acquire a worker too, they only skip the submission
	if err := ctl.warmup(ctx, c); err != nil {
		return nil, err
	}

	if err := x.WriteInputManifest(ctx, c.ID, inputs); err != nil {
		return nil, err
	}

	if dryRun {
		echo := slices.Clone(inputs)
		if err := c.complete(StatusDryRunComplete, echo, true); err != nil {
			return nil, err
		}
		x.Cleanup(ctx, c.ID)
		ctl.untrack(c.ID)
		slog.InfoContext(ctx, "dry run complete")
		return echo, nil
	}

	wf, err := ctl.prepare(c, x)
	if err != nil {
		return nil, err
	}
	dispatcher := ctl.dispatch(c.Config)

	if c.Config.GetBool(model.KeyAsync, false) {
		return ctl.executeAsync(ctx, c, dispatcher, wf, inputs)
	}
	return ctl.executeSync(ctx, c, x, dispatcher, wf)
}

// prepare loads the workflow and points its importer to the run directory.
func (ctl *Controller) prepare(c *Campaign, x *exchange.Exchange) (workflow.Workflow, error) {
	name := c.Config.GetString(model.KeyWorkflow, "")
	path, err := workflow.Find(name, c.Config.GetStrings(model.KeyWorkflowsRoots, []string{"."}))
	if err != nil {
		return nil, err
	}
	wf, err := workflow.Load(path)
	if err != nil {
		return nil, err
	}
	if _, err := wf.PatchImporter(x.RunDir(c.ID)); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", name, err)
	}
	return wf, nil
}

func (ctl *Controller) executeSync(ctx context.Context, c *Campaign, x *exchange.Exchange, d Dispatcher, wf workflow.Workflow) (exchange.Values, error) {
	if err := c.transition(StatusExecutingSync); err != nil {
		return nil, err
	}
	port := c.Port()
	slog.InfoContext(ctx, "starting synchronous execution", "port", port)
	res, err := d.SubmitAndAwait(ctx, port, wf)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "execution completed", "prompt_id", res.PromptID)

	outputs, err := x.ReadOutputManifest(ctx, c.ID, false)
	if err != nil {
		return nil, err
	}
	if err := c.complete(StatusCompleted, outputs, true); err != nil {
		return nil, err
	}
	x.Cleanup(ctx, c.ID)
	ctl.untrack(c.ID)
	return slices.Clone(outputs), nil
}

func (ctl *Controller) executeAsync(ctx context.Context, c *Campaign, d Dispatcher, wf workflow.Workflow, inputs exchange.Values) (exchange.Values, error) {
	done := make(chan struct{})
	c.setDone(done)
	if err := c.transition(StatusExecutingAsync); err != nil {
		return nil, err
	}
	port := c.Port()
	slog.InfoContext(ctx, "starting asynchronous execution", "port", port)

	// done is closed by the callback, after the final status is set. A
	// completed campaign stays active until Join collects its outputs.
	_ = d.SubmitAsync(ctx, port, wf, func(res rpc.Result, err error) {
		defer close(done)
		if err != nil {
			if ferr := c.fail(err); ferr != nil {
				slog.ErrorContext(ctx, "marking campaign as failed", "error", ferr)
			}
			ctl.untrack(c.ID)
			slog.ErrorContext(ctx, "asynchronous execution failed", "error", err)
			return
		}
		if terr := c.transition(StatusCompleted); terr != nil {
			ctl.untrack(c.ID)
			slog.ErrorContext(ctx, "marking campaign as completed", "error", terr)
			return
		}
		slog.InfoContext(ctx, "asynchronous execution completed", "prompt_id", res.PromptID)
	})

	placeholders := make(exchange.Values, len(inputs))
	for i, in := range inputs {
		placeholders[i] = exchange.Named{Name: in.Name, Value: AsyncPlaceholder}
	}
	return placeholders, nil
}

// Join waits for the campaign and returns its outputs. Outputs of an
// asynchronous campaign are read from the run directory on the first join,
// which then removes it. A campaign which did not succeed is an
// ExecutionFailure.
func (ctl *Controller) Join(ctx context.Context, c *Campaign) (exchange.Values, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: no campaign to join", model.ErrConfiguration)
	}
	ctx = log.Campaign(ctx, c.ID)
	if err := wait(ctx, c); err != nil {
		return nil, err
	}
	if err := checkSuccess(c); err != nil {
		return nil, err
	}

	c.joinMx.Lock()
	defer c.joinMx.Unlock()
	if c.isCollected() {
		return c.Outputs(), nil
	}

	x, err := ctl.Exchange(c.Config)
	if err != nil {
		return nil, err
	}
	outputs, err := x.ReadOutputManifest(ctx, c.ID, true)
	if err != nil {
		return nil, err
	}
	c.collect(outputs)
	x.Cleanup(ctx, c.ID)
	ctl.untrack(c.ID)
	slog.InfoContext(ctx, "campaign joined", "outputs", outputs.Names())
	return slices.Clone(outputs), nil
}

// JoinAll waits for every campaign in order, then checks all of them.
// Failures of all campaigns are reported together.
func (ctl *Controller) JoinAll(ctx context.Context, campaigns ...*Campaign) error {
	var live []*Campaign
	for _, c := range campaigns {
		if c == nil {
			continue
		}
		live = append(live, c)
	}
	for i, c := range live {
		slog.DebugContext(ctx, "waiting for campaign", "campaign_id", c.ID, "index", i+1, "count", len(live))
		if err := wait(ctx, c); err != nil {
			return err
		}
	}
	var errs []error
	for _, c := range live {
		if err := checkSuccess(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func wait(ctx context.Context, c *Campaign) error {
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func checkSuccess(c *Campaign) error {
	switch status := c.Status(); {
	case status == StatusFailed:
		return fmt.Errorf("%w: campaign %s failed: %w", model.ErrExecutionFailure, c.ID, c.Err())
	case !status.Successful():
		return fmt.Errorf("%w: campaign %s has unexpected status %s", model.ErrExecutionFailure, c.ID, status)
	default:
		return nil
	}
}
