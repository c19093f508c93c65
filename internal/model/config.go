package model

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	_ "embed"
)

// Configuration keys with a meaning outside of a single package.
const (
	KeyWorkflow            = "workflow"
	KeyComfyType           = "comfyui.type"
	KeyComfyHost           = "comfyui.host"
	KeyComfyPort           = "comfyui.port"
	KeyComfyPath           = "comfyui.paths.comfyui_path"
	KeyPythonExecutable    = "comfyui.paths.python_executable"
	KeyCustomNodesTemplate = "comfyui.paths.custom_nodes_template"
	KeyStartPort           = "ports.start_port"
	KeyMaxWorkers          = "ports.max_workers"
	KeyDryRun              = "execution.dry_run"
	KeyAsync               = "execution.asynch"
	KeyExtraArgs           = "execution.extra_args"
	KeyEnvVars             = "execution.env_vars"
	KeyClientID            = "execution.client_id"
	KeyPollInterval        = "execution.poll_interval"
	KeyPollAttempts        = "execution.poll_attempts"
	KeyStartupInterval     = "worker.startup_interval"
	KeyStartupAttempts     = "worker.startup_attempts"
	KeyTempRoot            = "paths.temp_root_dir"
	KeyWorkflowsRoots      = "paths.workflows_roots"
	KeyReaperMaxAge        = "reaper.max_age"
	KeyReaperSchedule      = "reaper.schedule"

	PortAuto = "auto"

	EnvPrefix = "LEGION"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// Config is a read only configuration tree queried by dot separated paths.
// Values missing from the tree fall back to built-in defaults, then to
// the caller provided default. Every key can be overridden by an
// environment variable, LEGION_EXECUTION_DRY_RUN=true for execution.dry_run.
type Config struct {
	v   *viper.Viper
	raw map[string]any
}

// NewConfig validates tree and wraps it. The tree is not copied, callers
// must not modify it afterwards.
func NewConfig(tree map[string]any) (*Config, error) {
	if tree == nil {
		tree = map[string]any{}
	}
	if err := validate(tree); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// viper folds key case in place
	if err := v.MergeConfigMap(deepCopy(tree).(map[string]any)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return &Config{v: v, raw: tree}, nil
}

// LoadConfig reads YAML from r, validates it against the CUE schema and
// returns the resulting Config.
func LoadConfig(r io.Reader) (*Config, error) {
	var tree map[string]any
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&tree); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: decoding yaml: %w", ErrConfiguration, err)
	}
	return NewConfig(tree)
}

func validate(tree map[string]any) error {
	value := cueCtx.Encode(tree)
	if value.Err() != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, value.Err())
	}
	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = deepCopy(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = deepCopy(e)
		}
		return s
	default:
		return v
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyComfyType, "comfyui")
	v.SetDefault(KeyComfyHost, "127.0.0.1")
	v.SetDefault(KeyComfyPort, PortAuto)
	v.SetDefault(KeyPythonExecutable, "python3")
	v.SetDefault(KeyStartPort, 8200)
	v.SetDefault(KeyMaxWorkers, 20)
	v.SetDefault(KeyDryRun, false)
	v.SetDefault(KeyAsync, false)
	v.SetDefault(KeyClientID, "legion_master")
	v.SetDefault(KeyPollInterval, "300ms")
	v.SetDefault(KeyPollAttempts, 10000)
	v.SetDefault(KeyStartupInterval, "1.5s")
	v.SetDefault(KeyStartupAttempts, 200)
	v.SetDefault(KeyTempRoot, filepath.Join(os.TempDir(), "legion"))
	v.SetDefault(KeyReaperMaxAge, "24h")
}

// DefaultConfig returns the tree written on the first run of the cli.
func DefaultConfig() map[string]any {
	return map[string]any{
		KeyWorkflow: "workflow.json",
		"comfyui": map[string]any{
			"type": "comfyui",
			"port": PortAuto,
			"paths": map[string]any{
				"comfyui_path":      "",
				"python_executable": "python3",
			},
		},
		"ports": map[string]any{
			"start_port":  8200,
			"max_workers": 20,
		},
		"execution": map[string]any{
			"dry_run":    false,
			"asynch":     false,
			"extra_args": "",
			"env_vars":   map[string]any{},
		},
		"paths": map[string]any{
			"temp_root_dir":   filepath.Join(os.TempDir(), "legion"),
			"workflows_roots": []any{"."},
		},
	}
}

// Lookup walks the tree as it was provided, without defaults, environment
// overrides or key case folding.
func (c *Config) Lookup(path string) (any, bool) {
	var cur any = c.raw
	for _, k := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// IsSet reports whether path has a value, defaults included.
func (c *Config) IsSet(path string) bool {
	return c.v.IsSet(path)
}

// Get returns the raw value stored under path or def.
func (c *Config) Get(path string, def any) any {
	if !c.v.IsSet(path) {
		return def
	}
	return c.v.Get(path)
}

func (c *Config) GetString(path, def string) string {
	if !c.v.IsSet(path) {
		return def
	}
	return c.v.GetString(path)
}

func (c *Config) GetInt(path string, def int) int {
	if !c.v.IsSet(path) {
		return def
	}
	return c.v.GetInt(path)
}

func (c *Config) GetBool(path string, def bool) bool {
	if !c.v.IsSet(path) {
		return def
	}
	return c.v.GetBool(path)
}

func (c *Config) GetDuration(path string, def time.Duration) time.Duration {
	if !c.v.IsSet(path) {
		return def
	}
	d := c.v.GetDuration(path)
	if d <= 0 {
		return def
	}
	return d
}

func (c *Config) GetStrings(path string, def []string) []string {
	if !c.v.IsSet(path) {
		return def
	}
	return c.v.GetStringSlice(path)
}

// GetStringMap returns a string map. Keys are lower cased, use Lookup
// when the case matters.
func (c *Config) GetStringMap(path string) map[string]string {
	if !c.v.IsSet(path) {
		return nil
	}
	return c.v.GetStringMapString(path)
}

// Settings returns a copy of the whole tree with defaults merged in.
func (c *Config) Settings() map[string]any {
	return c.v.AllSettings()
}

func (c *Config) String() string {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c.Settings()); err != nil {
		return "error: " + err.Error()
	}
	return buf.String()
}
