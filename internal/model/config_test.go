package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Legion/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
workflow: upscale.json
comfyui:
  type: comfyui
  port: 8188
  paths:
    comfyui_path: /opt/comfy
    python_executable: /opt/comfy/venv/bin/python
ports:
  start_port: 9000
  max_workers: 4
execution:
  asynch: true
  extra_args: "--lowvram --preview-method auto"
  env_vars:
    CUDA_VISIBLE_DEVICES: "1"
paths:
  workflows_roots: [/srv/a, /srv/b]
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "upscale.json", cfg.GetString(model.KeyWorkflow, ""))
	require.Equal(t, 8188, cfg.GetInt(model.KeyComfyPort, 0))
	require.Equal(t, "/opt/comfy", cfg.GetString(model.KeyComfyPath, ""))
	require.Equal(t, 9000, cfg.GetInt(model.KeyStartPort, 0))
	require.Equal(t, 4, cfg.GetInt(model.KeyMaxWorkers, 0))
	require.True(t, cfg.GetBool(model.KeyAsync, false))
	require.False(t, cfg.GetBool(model.KeyDryRun, true))
	require.Equal(t, []string{"/srv/a", "/srv/b"}, cfg.GetStrings(model.KeyWorkflowsRoots, nil))
	require.Equal(t, map[string]string{"cuda_visible_devices": "1"}, cfg.GetStringMap(model.KeyEnvVars))
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := model.NewConfig(nil)
	require.NoError(t, err)

	require.Equal(t, 8200, cfg.GetInt(model.KeyStartPort, 0))
	require.Equal(t, 20, cfg.GetInt(model.KeyMaxWorkers, 0))
	require.Equal(t, model.PortAuto, cfg.Get(model.KeyComfyPort, nil))
	require.Equal(t, "legion_master", cfg.GetString(model.KeyClientID, ""))
	require.Equal(t, 300*time.Millisecond, cfg.GetDuration(model.KeyPollInterval, 0))
	require.Equal(t, 1500*time.Millisecond, cfg.GetDuration(model.KeyStartupInterval, 0))
	require.Equal(t, 200, cfg.GetInt(model.KeyStartupAttempts, 0))
	require.NotEmpty(t, cfg.GetString(model.KeyTempRoot, ""))

	// no built-in default, caller default wins
	require.Equal(t, "fallback", cfg.GetString("no.such.key", "fallback"))
	require.Nil(t, cfg.Get("no.such.key", nil))
}

func TestConfigEnvOverride(t *testing.T) {
	t.Setenv("LEGION_EXECUTION_DRY_RUN", "true")
	cfg, err := model.NewConfig(map[string]any{
		"execution": map[string]any{"dry_run": false},
	})
	require.NoError(t, err)
	require.True(t, cfg.GetBool(model.KeyDryRun, false))
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
	}{
		{"port out of range", "comfyui:\n  port: 70000\n"},
		{"port not auto", "comfyui:\n  port: manual\n"},
		{"max workers zero", "ports:\n  max_workers: 0\n"},
		{"extra args wrong type", "execution:\n  extra_args: 42\n"},
		{"bad poll interval", "execution:\n  poll_interval: soon\n"},
		{"not yaml", "comfyui: [\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.ErrorIs(t, err, model.ErrConfiguration)
		})
	}
}

func TestCueErrDetails(t *testing.T) {
	t.Parallel()
	_, err := model.LoadConfig(strings.NewReader("ports:\n  start_port: 0\n"))
	require.Error(t, err)
	details := model.CueErrDetails(err)
	require.NotEmpty(t, details)
	require.Contains(t, details[0].Path, "start_port")
}

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := model.NewConfig(model.DefaultConfig())
	require.NoError(t, err)
	require.Contains(t, cfg.String(), "start_port: 8200")
}

func TestLookupKeepsCase(t *testing.T) {
	t.Parallel()
	cfg, err := model.NewConfig(map[string]any{
		"execution": map[string]any{
			"env_vars": map[string]any{"CUDA_VISIBLE_DEVICES": "0"},
		},
	})
	require.NoError(t, err)
	v, ok := cfg.Lookup(model.KeyEnvVars)
	require.True(t, ok)
	require.Equal(t, map[string]any{"CUDA_VISIBLE_DEVICES": "0"}, v)

	_, ok = cfg.Lookup(model.KeyStartPort)
	require.False(t, ok, "defaults are not part of the raw tree")
}
