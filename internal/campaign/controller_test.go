package campaign_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Legion/internal/campaign"
	"github.com/CZERTAINLY/Legion/internal/codec"
	"github.com/CZERTAINLY/Legion/internal/exchange"
	"github.com/CZERTAINLY/Legion/internal/model"
)

func TestDryRun(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	workers := newFakeWorkers(e.port)
	ctl := campaign.NewController(workers, campaign.WithDispatcher(fastClient))

	cfg := e.config(t, map[string]any{"execution": map[string]any{"dry_run": true}})
	c, outputs, err := ctl.Execute(t.Context(), campaign.Request{
		Config: cfg,
		Inputs: exchange.Values{{Name: "input_1", Value: "hello"}},
	})
	require.NoError(t, err)
	require.Equal(t, campaign.StatusDryRunComplete, c.Status())
	require.Equal(t, exchange.Values{{Name: "input_1", Value: "hello"}}, outputs)
	require.NoDirExists(t, e.runDir(c.ID))
	// the worker is warmed up but gets no submission
	require.Equal(t, 1, workers.total())
	require.Equal(t, e.port, c.Port())
	require.False(t, ctl.Active(c.ID))

	joined, err := ctl.Join(t.Context(), c)
	require.NoError(t, err)
	require.Equal(t, outputs, joined)
}

func TestDryRunLaunchFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	workers := newFakeWorkers(e.port)
	workers.err = model.ErrLaunchTimeout
	ctl := campaign.NewController(workers, campaign.WithDispatcher(func(*model.Config) campaign.Dispatcher { return okDispatcher{} }))

	c, _, err := ctl.Execute(t.Context(), campaign.Request{
		Config: e.config(t, map[string]any{"execution": map[string]any{"dry_run": true}}),
		Inputs: exchange.Values{{Name: "input_1", Value: "hello"}},
	})
	require.ErrorIs(t, err, model.ErrLaunchTimeout)
	require.Equal(t, campaign.StatusFailed, c.Status())
	require.Zero(t, c.Port())
}

func TestRequestValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctl := campaign.NewController(newFakeWorkers(e.port))
	cfg := e.config(t, nil)
	prev := &campaign.Campaign{ID: "prev", Config: cfg}

	var testCases = []struct {
		scenario string
		given    campaign.Request
	}{
		{"neither", campaign.Request{}},
		{"both", campaign.Request{Config: cfg, Previous: prev}},
		{"previous without config", campaign.Request{Previous: &campaign.Campaign{ID: "x"}}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, _, err := ctl.Execute(t.Context(), tc.given)
			require.ErrorIs(t, err, model.ErrConfiguration)
			_, err = ctl.Warmup(t.Context(), tc.given)
			require.ErrorIs(t, err, model.ErrConfiguration)
		})
	}
}

func TestSync(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctl := campaign.NewController(newFakeWorkers(e.port), campaign.WithDispatcher(fastClient))

	img := codec.NewTensor(2, 3, 3, 4)
	for i := range img.Data {
		img.Data[i] = float32(i%5) / 4
	}
	inputs := exchange.Values{
		{Name: "input_1", Value: "a castle"},
		{Name: "input_2", Value: 7.5},
		{Name: "input_3", Value: img},
	}
	c, outputs, err := ctl.Execute(t.Context(), campaign.Request{Config: e.config(t, nil), Inputs: inputs})
	require.NoError(t, err)
	require.Equal(t, campaign.StatusCompleted, c.Status())
	require.Equal(t, e.port, c.Port())
	require.Equal(t, []string{"input_1", "input_2", "input_3"}, outputs.Names())

	v, _ := outputs.Get("input_1")
	require.Equal(t, "a castle", v)
	v, _ = outputs.Get("input_2")
	require.Equal(t, 7.5, v)
	v, _ = outputs.Get("input_3")
	got := v.(*codec.Tensor)
	require.Equal(t, img.Shape, got.Shape)
	for i := range img.Data {
		require.InDelta(t, img.Data[i], got.Data[i], 1.0/255)
	}

	require.NoDirExists(t, e.runDir(c.ID))
	require.False(t, ctl.Active(c.ID))

	// join of a sync campaign returns the stored outputs
	joined, err := ctl.Join(t.Context(), c)
	require.NoError(t, err)
	require.Equal(t, outputs.Names(), joined.Names())
}

func TestSyncWithoutOutputManifest(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	// the dispatcher reports success but the worker never exported anything
	ctl := campaign.NewController(newFakeWorkers(e.port), campaign.WithDispatcher(func(*model.Config) campaign.Dispatcher { return okDispatcher{} }))

	c, outputs, err := ctl.Execute(t.Context(), campaign.Request{
		Config: e.config(t, nil),
		Inputs: exchange.Values{{Name: "input_1", Value: "x"}},
	})
	require.NoError(t, err)
	require.Equal(t, campaign.StatusCompleted, c.Status())
	require.Empty(t, outputs)
}

func TestPortReuse(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	workers := newFakeWorkers(e.port)
	ctl := campaign.NewController(workers, campaign.WithDispatcher(fastClient))

	first, _, err := ctl.Execute(t.Context(), campaign.Request{
		Config: e.config(t, nil),
		Inputs: exchange.Values{{Name: "input_1", Value: 1}},
	})
	require.NoError(t, err)
	second, _, err := ctl.Execute(t.Context(), campaign.Request{
		Previous: first,
		Inputs:   exchange.Values{{Name: "input_1", Value: 2}},
	})
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
	require.Same(t, first.Config, second.Config)
	require.Equal(t, first.Port(), second.Port())
	require.Len(t, workers.calls, 1)
}

func TestSyncFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	d := &gatedDispatcher{err: errWorker}
	ctl := campaign.NewController(newFakeWorkers(e.port), campaign.WithDispatcher(func(*model.Config) campaign.Dispatcher { return d }))

	c, _, err := ctl.Execute(t.Context(), campaign.Request{
		Config: e.config(t, nil),
		Inputs: exchange.Values{{Name: "input_1", Value: "x"}},
	})
	require.ErrorIs(t, err, errWorker)
	require.Equal(t, campaign.StatusFailed, c.Status())
	require.ErrorIs(t, c.Err(), errWorker)
	// left for inspection
	require.DirExists(t, e.runDir(c.ID))

	_, err = ctl.Join(t.Context(), c)
	require.ErrorIs(t, err, model.ErrExecutionFailure)
}

func TestAsync(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	d := &gatedDispatcher{inner: fastClient(nil), gate: make(chan struct{})}
	ctl := campaign.NewController(newFakeWorkers(e.port), campaign.WithDispatcher(func(*model.Config) campaign.Dispatcher { return d }))

	inputs := exchange.Values{
		{Name: "input_1", Value: "async"},
		{Name: "input_2", Value: true},
	}
	c, placeholders, err := ctl.Execute(t.Context(), campaign.Request{
		Config: e.config(t, map[string]any{"execution": map[string]any{"asynch": true}}),
		Inputs: inputs,
	})
	require.NoError(t, err)
	require.Equal(t, campaign.StatusExecutingAsync, c.Status())
	require.Equal(t, exchange.Values{
		{Name: "input_1", Value: campaign.AsyncPlaceholder},
		{Name: "input_2", Value: campaign.AsyncPlaceholder},
	}, placeholders)
	require.True(t, ctl.Active(c.ID))

	select {
	case <-c.Done():
		t.Fatal("campaign finished before its job was released")
	case <-time.After(20 * time.Millisecond):
	}
	require.Equal(t, campaign.StatusExecutingAsync, c.Status())

	close(d.gate)
	outputs, err := ctl.Join(t.Context(), c)
	require.NoError(t, err)
	require.Equal(t, campaign.StatusCompleted, c.Status())
	require.Equal(t, inputs, outputs)
	require.NoDirExists(t, e.runDir(c.ID))
	require.False(t, ctl.Active(c.ID))

	// a second join does not need the run directory
	again, err := ctl.Join(t.Context(), c)
	require.NoError(t, err)
	require.Equal(t, outputs, again)
	d.wg.Wait()
}

func TestAsyncKeptUntilJoin(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	d := &gatedDispatcher{inner: fastClient(nil), gate: make(chan struct{})}
	close(d.gate)
	ctl := campaign.NewController(newFakeWorkers(e.port), campaign.WithDispatcher(func(*model.Config) campaign.Dispatcher { return d }))
	cfg := e.config(t, map[string]any{"execution": map[string]any{"asynch": true}})

	c, _, err := ctl.Execute(t.Context(), campaign.Request{
		Config: cfg,
		Inputs: exchange.Values{{Name: "input_1", Value: "late"}},
	})
	require.NoError(t, err)
	<-c.Done()
	require.Equal(t, campaign.StatusCompleted, c.Status())
	require.True(t, ctl.Active(c.ID))

	x, err := ctl.Exchange(cfg)
	require.NoError(t, err)
	future := func() time.Time { return time.Now().Add(365 * 24 * time.Hour) }
	removed, err := campaign.NewReaper(x, time.Hour, ctl.Active).WithClock(future).Reap(t.Context())
	require.NoError(t, err)
	require.NotContains(t, removed, c.ID)

	outputs, err := ctl.Join(t.Context(), c)
	require.NoError(t, err)
	require.Equal(t, exchange.Values{{Name: "input_1", Value: "late"}}, outputs)
	require.False(t, ctl.Active(c.ID))
	d.wg.Wait()
}

func TestAsyncFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	d := &gatedDispatcher{err: errWorker, gate: make(chan struct{})}
	close(d.gate)
	ctl := campaign.NewController(newFakeWorkers(e.port), campaign.WithDispatcher(func(*model.Config) campaign.Dispatcher { return d }))

	c, _, err := ctl.Execute(t.Context(), campaign.Request{
		Config: e.config(t, map[string]any{"execution": map[string]any{"asynch": true}}),
		Inputs: exchange.Values{{Name: "input_1", Value: "x"}},
	})
	require.NoError(t, err, "asynchronous errors surface on join")

	_, err = ctl.Join(t.Context(), c)
	require.ErrorIs(t, err, model.ErrExecutionFailure)
	require.ErrorIs(t, err, errWorker)
	require.Equal(t, campaign.StatusFailed, c.Status())
	require.DirExists(t, e.runDir(c.ID))
	require.False(t, ctl.Active(c.ID))
	d.wg.Wait()
}

func TestJoinAll(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ok := &gatedDispatcher{inner: fastClient(nil), gate: make(chan struct{})}
	bad := &gatedDispatcher{err: errWorker, gate: make(chan struct{})}
	okCtl := campaign.NewController(newFakeWorkers(e.port), campaign.WithDispatcher(func(*model.Config) campaign.Dispatcher { return ok }))
	badCtl := campaign.NewController(newFakeWorkers(e.port), campaign.WithDispatcher(func(*model.Config) campaign.Dispatcher { return bad }))
	cfg := e.config(t, map[string]any{"execution": map[string]any{"asynch": true}})
	req := campaign.Request{Config: cfg, Inputs: exchange.Values{{Name: "input_1", Value: "x"}}}

	c1, _, err := okCtl.Execute(t.Context(), req)
	require.NoError(t, err)
	c2, _, err := badCtl.Execute(t.Context(), req)
	require.NoError(t, err)
	c3, _, err := okCtl.Execute(t.Context(), req)
	require.NoError(t, err)

	close(bad.gate)
	close(ok.gate)
	err = okCtl.JoinAll(t.Context(), c1, nil, c2, c3)
	require.ErrorIs(t, err, model.ErrExecutionFailure)
	require.ErrorContains(t, err, c2.ID)
	require.NotContains(t, err.Error(), c1.ID)
	for _, c := range []*campaign.Campaign{c1, c2, c3} {
		require.True(t, c.Status().Terminal())
	}

	require.NoError(t, okCtl.JoinAll(t.Context(), c1, c3))
	ok.wg.Wait()
	bad.wg.Wait()
}

func TestJoinCanceled(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	d := &gatedDispatcher{inner: fastClient(nil), gate: make(chan struct{})}
	ctl := campaign.NewController(newFakeWorkers(e.port), campaign.WithDispatcher(func(*model.Config) campaign.Dispatcher { return d }))
	c, _, err := ctl.Execute(t.Context(), campaign.Request{
		Config: e.config(t, map[string]any{"execution": map[string]any{"asynch": true}}),
		Inputs: exchange.Values{{Name: "input_1", Value: "x"}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err = ctl.Join(ctx, c)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, campaign.StatusExecutingAsync, c.Status())

	close(d.gate)
	_, err = ctl.Join(t.Context(), c)
	require.NoError(t, err)
	d.wg.Wait()
}

func TestWarmup(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	workers := newFakeWorkers(e.port)
	ctl := campaign.NewController(workers)

	c, err := ctl.Warmup(t.Context(), campaign.Request{Config: e.config(t, nil)})
	require.NoError(t, err)
	require.Equal(t, campaign.StatusWarmedUp, c.Status())
	require.Equal(t, e.port, c.Port())
	require.Empty(t, c.Outputs())

	workers.err = model.ErrLaunchTimeout
	c, err = ctl.Warmup(t.Context(), campaign.Request{Config: e.config(t, nil)})
	require.ErrorIs(t, err, model.ErrLaunchTimeout)
	require.Equal(t, campaign.StatusFailed, c.Status())
}

func TestExecuteWorkflowErrors(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.workflows, "plain.json"), []byte(`{"1": {"class_type": "KSampler", "inputs": {}}}`), 0o644))
	ctl := campaign.NewController(newFakeWorkers(e.port), campaign.WithDispatcher(fastClient))

	var testCases = []struct {
		scenario string
		given    string
	}{
		{"missing workflow", "nope.json"},
		{"no importer node", "plain.json"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			cfg := e.config(t, map[string]any{"workflow": tc.given})
			c, _, err := ctl.Execute(t.Context(), campaign.Request{Config: cfg, Inputs: exchange.Values{{Name: "input_1", Value: 1}}})
			require.ErrorIs(t, err, model.ErrConfiguration)
			require.Equal(t, campaign.StatusFailed, c.Status())
		})
	}
}
