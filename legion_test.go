package legion_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	legionPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("legion-ci") {
		slog.Warn("integration tests skipped, cannot locate legion-ci binary: run go build -race -cover -covermode=atomic -o legion-ci ./cmd/legion/ first")
		os.Exit(0)
	}

	var err error
	legionPath, err = filepath.Abs("legion-ci")
	if err != nil {
		slog.Error("can't get abspath for legion-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for legion-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for legion-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const demoWorkflow = `{
  "3": {"class_type": "KSampler", "inputs": {"seed": 1}},
  "5": {"class_type": "LegionImporter", "inputs": {"data_exchange_root": ""}},
  "8": {"class_type": "LegionExporter", "inputs": {"prompt": ["5", 0]}}
}`

type summary struct {
	ID      string         `json:"campaign_id"`
	Status  string         `json:"status"`
	Port    int            `json:"port"`
	Outputs map[string]any `json:"outputs"`
}

// echoWorker writes a python stand in script which starts the legion echo
// worker, the temp root reaches it from the launcher environment. It
// returns the comfyui_path and python_executable to configure.
func echoWorker(t *testing.T, dir string) (string, string) {
	t.Helper()
	comfy := filepath.Join(dir, "comfy")
	require.NoError(t, os.MkdirAll(comfy, 0755))
	python := filepath.Join(dir, "python")
	script := fmt.Sprintf("#!/bin/sh\nexec %q _worker \"$@\"\n", legionPath)
	creat(t, python, []byte(script))
	require.NoError(t, os.Chmod(python, 0755))
	return comfy, python
}

func TestDryRun(t *testing.T) {
	dir := chDir(t)
	comfy, python := echoWorker(t, dir)

	config := fmt.Sprintf(`
workflow: demo.json
comfyui:
    port: auto
    paths:
        comfyui_path: %s
        python_executable: %s
ports:
    start_port: 18400
    max_workers: 50
execution:
    dry_run: true
worker:
    startup_interval: 50ms
paths:
    temp_root_dir: %s
    workflows_roots: ["."]
`, comfy, python, filepath.Join(dir, "tmp"))
	creat(t, "legion.yaml", []byte(config))
	creat(t, "demo.json", []byte(demoWorkflow))

	stdout := legion(t, "run", "--config", "legion.yaml", "--input", "prompt=a castle", "--input", "steps=20", "--input", "cfg=7.5")
	got := decodeSummaries(t, stdout)
	require.Len(t, got, 1)
	require.Equal(t, "DRY_RUN_COMPLETE", got[0].Status)
	// the worker is started even though nothing is submitted
	require.NotZero(t, got[0].Port)
	require.Equal(t, map[string]any{"prompt": "a castle", "steps": 20.0, "cfg": 7.5}, got[0].Outputs)
	require.NoDirExists(t, filepath.Join(dir, "tmp", got[0].ID))
}

// TestEchoWorker runs asynchronous campaigns on the echo worker. The temp
// root is relative, so the worker only finds it through the launcher.
func TestEchoWorker(t *testing.T) {
	dir := chDir(t)
	comfy, python := echoWorker(t, dir)

	config := fmt.Sprintf(`
workflow: demo.json
comfyui:
    port: auto
    paths:
        comfyui_path: %s
        python_executable: %s
ports:
    start_port: 18200
    max_workers: 50
execution:
    asynch: true
    poll_interval: 20ms
worker:
    startup_interval: 50ms
paths:
    temp_root_dir: tmp
    workflows_roots: ["."]
`, comfy, python)
	creat(t, "legion.yaml", []byte(config))
	creat(t, "demo.json", []byte(demoWorkflow))

	stdout := legion(t, "run", "--config", "legion.yaml", "--repeat", "2", "--input", "prompt=hello")
	got := decodeSummaries(t, stdout)
	require.Len(t, got, 2)
	require.NotEqual(t, got[0].ID, got[1].ID)
	require.Equal(t, got[0].Port, got[1].Port)
	for _, s := range got {
		require.Equal(t, "COMPLETED", s.Status)
		require.Equal(t, map[string]any{"prompt": "hello"}, s.Outputs)
		require.NoDirExists(t, filepath.Join(dir, "tmp", s.ID))
	}
}

func TestReap(t *testing.T) {
	dir := chDir(t)
	tempRoot := filepath.Join(dir, "tmp")
	config := fmt.Sprintf(`
paths:
    temp_root_dir: %s
`, tempRoot)
	creat(t, "legion.yaml", []byte(config))

	old := filepath.Join(tempRoot, "old")
	require.NoError(t, os.MkdirAll(old, 0755))
	past := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.MkdirAll(filepath.Join(tempRoot, "new"), 0755))

	stdout := legion(t, "reap", "--config", "legion.yaml", "--older-than", "2d")
	require.Equal(t, "old\n", stdout.String())
	require.NoDirExists(t, old)
	require.DirExists(t, filepath.Join(tempRoot, "new"))
}

func TestInvalidConfig(t *testing.T) {
	_ = chDir(t)
	creat(t, "legion.yaml", []byte("ports:\n    start_port: 0\n"))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	cmd := exec.CommandContext(ctx, legionPath, "run", "--config", "legion.yaml")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 2, exitErr.ExitCode())
	require.Contains(t, stderr.String(), "start_port")
}

func legion(t *testing.T, args ...string) *bytes.Buffer {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, legionPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	// store the $TEST_NAME json
	creat(t, filepath.Base(t.Name())+".json", stdout.Bytes())
	return &stdout
}

func decodeSummaries(t *testing.T, r io.Reader) []summary {
	t.Helper()
	var ret []summary
	dec := json.NewDecoder(r)
	for {
		var s summary
		err := dec.Decode(&s)
		if errors.Is(err, io.EOF) {
			return ret
		}
		require.NoError(t, err)
		ret = append(ret, s)
	}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
