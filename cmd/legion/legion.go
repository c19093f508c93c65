package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/Legion/internal/campaign"
	"github.com/CZERTAINLY/Legion/internal/codec"
	"github.com/CZERTAINLY/Legion/internal/echoworker"
	"github.com/CZERTAINLY/Legion/internal/exchange"
	"github.com/CZERTAINLY/Legion/internal/log"
	"github.com/CZERTAINLY/Legion/internal/model"
	"github.com/CZERTAINLY/Legion/internal/netscan"
	"github.com/CZERTAINLY/Legion/internal/rpc"
	"github.com/CZERTAINLY/Legion/internal/worker"
)

// workers launched by this process are stopped within this period on exit
const shutdownGrace = 10 * time.Second

var (
	flagInputs  []string
	flagImages  []string
	flagOutDir  string
	flagRepeat  int
	flagMaxAge  string
	flagSched   string
	flagPort    int
	flagTmpRoot string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run executes the configured workflow once per --repeat and prints the outputs",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var warmupCmd = &cobra.Command{
	Use:   "warmup",
	Short: "warmup starts a worker for the configuration and keeps it until interrupted",
	Args:  cobra.NoArgs,
	RunE:  doWarmup,
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "reap removes stale run directories, once or on a schedule",
	Args:  cobra.NoArgs,
	RunE:  doReap,
}

var workerCmd = &cobra.Command{
	Use:    "_worker [main.py]",
	Short:  "internal command",
	Args:   cobra.MaximumNArgs(1),
	RunE:   doWorker,
	Hidden: true,
	// a worker has no configuration of its own
	PersistentPreRunE: func(*cobra.Command, []string) error {
		slog.SetDefault(log.New(flagVerbose, flagLogFormat))
		return nil
	},
}

func initRunFlags() {
	f := runCmd.Flags()
	f.StringArrayVar(&flagInputs, "input", nil, "input value as name=value, numbers and booleans are detected")
	f.StringArrayVar(&flagImages, "image", nil, "input image as name=path.png")
	f.StringVar(&flagOutDir, "out", ".", "directory for image outputs")
	f.IntVar(&flagRepeat, "repeat", 1, "number of campaigns to run with the same inputs")
}

func initReapFlags() {
	f := reapCmd.Flags()
	f.StringVar(&flagMaxAge, "older-than", "", "remove run directories older than this, overrides reaper.max_age")
	f.StringVar(&flagSched, "schedule", "", "cron expression or interval, overrides reaper.schedule, reap once when both are empty")
}

func initWorkerFlags() {
	f := workerCmd.Flags()
	f.IntVar(&flagPort, "port", 8188, "listen port")
	f.StringVar(&flagTmpRoot, "temp-root", defaultTempRoot(), "data exchange root, the launcher passes it in "+worker.TempRootEnv)
	_ = f.Bool("disable-auto-launch", false, "accepted for compatibility")
	_ = f.Bool("dont-print-server", false, "accepted for compatibility")
}

func defaultTempRoot() string {
	if root := os.Getenv(worker.TempRootEnv); root != "" {
		return root
	}
	return filepath.Join(os.TempDir(), "legion")
}

// newRegistry wires the worker fleet: the rpc client probes health, the
// launcher starts processes and the allocator skips bound ports.
func newRegistry() *worker.Registry {
	prober := rpc.NewClientFromConfig(config)
	launcher := worker.NewLauncher(prober, worker.StartupPolicy(config))
	allocator := worker.NewPortAllocator(prober, netscan.Listening)
	return worker.NewRegistry(prober, launcher, allocator)
}

func shutdown(ctx context.Context, registry *worker.Registry) {
	if err := registry.Shutdown(context.WithoutCancel(ctx), shutdownGrace); err != nil {
		slog.ErrorContext(ctx, "stopping workers", "error", err)
	}
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("legion",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	if flagRepeat < 1 {
		return fmt.Errorf("%w: --repeat must be positive", model.ErrConfiguration)
	}
	inputs, err := parseInputs(ctx, flagInputs, flagImages)
	if err != nil {
		return err
	}

	registry := newRegistry()
	defer shutdown(ctx, registry)
	ctl := campaign.NewController(registry)

	// leftovers of earlier runs
	if r, err := campaign.NewReaperFromConfig(ctl, config); err == nil {
		if _, err := r.Reap(ctx); err != nil {
			slog.WarnContext(ctx, "reaping run directories", "error", err)
		}
	}

	campaigns := make([]*campaign.Campaign, 0, flagRepeat)
	var prev *campaign.Campaign
	for range flagRepeat {
		req := campaign.Request{Config: config, Inputs: inputs}
		if prev != nil {
			req = campaign.Request{Previous: prev, Inputs: inputs}
		}
		c, _, err := ctl.Execute(ctx, req)
		if err != nil {
			return err
		}
		campaigns = append(campaigns, c)
		prev = c
	}

	if err := ctl.JoinAll(ctx, campaigns...); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for _, c := range campaigns {
		outputs, err := ctl.Join(ctx, c)
		if err != nil {
			return err
		}
		s, err := summarize(ctx, c, outputs, flagOutDir)
		if err != nil {
			return err
		}
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}

func doWarmup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("legion",
		slog.String("cmd", "warmup"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	registry := newRegistry()
	defer shutdown(ctx, registry)
	ctl := campaign.NewController(registry)

	c, err := ctl.Warmup(ctx, campaign.Request{Config: config})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s port=%d\n", c, c.Port())
	for _, h := range registry.Handles() {
		slog.InfoContext(ctx, "worker ready", "handle", h.String())
	}

	<-ctx.Done()
	return nil
}

func doReap(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("legion",
		slog.String("cmd", "reap"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	ctl := campaign.NewController(nil)
	reaper, err := campaign.NewReaperFromConfig(ctl, config)
	if err != nil {
		return err
	}
	if flagMaxAge != "" {
		age, err := model.ParseAge(flagMaxAge)
		if err != nil {
			return err
		}
		x, err := ctl.Exchange(config)
		if err != nil {
			return err
		}
		reaper = campaign.NewReaper(x, age, ctl.Active)
	}

	raw := flagSched
	if raw == "" {
		raw = config.GetString(model.KeyReaperSchedule, "")
	}
	if raw == "" {
		removed, err := reaper.Reap(ctx)
		for _, id := range removed {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return err
	}

	schedule, err := model.ParseSchedule(raw)
	if err != nil {
		return err
	}
	return reaper.Run(ctx, schedule)
}

// doWorker serves the echo worker, a stand in for ComfyUI which returns
// its inputs as outputs. Point comfyui.paths.python_executable to a
// script running `legion _worker "$@"` to use it.
func doWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("legion",
		slog.String("cmd", "_worker"),
		slog.Int("pid", os.Getpid()),
		slog.Int("port", flagPort),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	x, err := exchange.New(flagTmpRoot, codec.Default())
	if err != nil {
		return err
	}
	w := echoworker.New(ctx, x)
	srv := &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(flagPort)),
		Handler:           w,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	slog.InfoContext(ctx, "worker listening", "addr", srv.Addr, "temp_root", x.Root())

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	err = srv.Shutdown(sctx)
	w.Wait()
	return err
}

// parseInputs turns name=value pairs into campaign inputs. Values are
// decoded as YAML scalars, so 42 is an integer and true a boolean.
func parseInputs(ctx context.Context, values, images []string) (exchange.Values, error) {
	var ret exchange.Values
	for _, kv := range values {
		name, raw, err := splitPair(kv)
		if err != nil {
			return nil, err
		}
		ret = append(ret, exchange.Named{Name: name, Value: scalar(raw)})
	}
	for _, kv := range images {
		name, path, err := splitPair(kv)
		if err != nil {
			return nil, err
		}
		img, err := codec.ImageSingle{}.Deserialize(ctx, codec.Payload{Path: filepath.Base(path)}, filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("%w: image %s: %w", model.ErrConfiguration, name, err)
		}
		ret = append(ret, exchange.Named{Name: name, Value: img})
	}
	return ret, nil
}

func splitPair(kv string) (string, string, error) {
	name, value, ok := strings.Cut(kv, "=")
	if !ok || name == "" {
		return "", "", fmt.Errorf("%w: expected name=value, got %q", model.ErrConfiguration, kv)
	}
	return name, value, nil
}

func scalar(raw string) any {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &node); err != nil || len(node.Content) != 1 {
		return raw
	}
	n := node.Content[0]
	if n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return raw
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return raw
	}
	switch x := v.(type) {
	case int:
		return int64(x)
	case string, bool, float64:
		return x
	default:
		return raw
	}
}

type summary struct {
	ID      string         `json:"campaign_id"`
	Status  string         `json:"status"`
	Port    int            `json:"port,omitempty"`
	Outputs map[string]any `json:"outputs"`
}

// summarize stores image outputs below dir and reports their paths.
func summarize(ctx context.Context, c *campaign.Campaign, outputs exchange.Values, dir string) (summary, error) {
	s := summary{
		ID:      c.ID,
		Status:  string(c.Status()),
		Port:    c.Port(),
		Outputs: make(map[string]any, len(outputs)),
	}
	codecs := codec.Default()
	for _, o := range outputs {
		cd, ok := codecs.For(o.Value)
		if !ok || !cd.FileBacked() {
			s.Outputs[o.Name] = o.Value
			continue
		}
		p, err := cd.Serialize(ctx, o.Value, dir, o.Name)
		if err != nil {
			return summary{}, fmt.Errorf("storing output %s: %w", o.Name, err)
		}
		s.Outputs[o.Name] = filepath.Join(dir, p.Path)
	}
	return s, nil
}
