// Package exchange moves values between the dispatcher and a worker through
// a per campaign run directory:
//
//	<temp root>/<campaign id>/inputs/manifest_input.json
//	<temp root>/<campaign id>/outputs/manifest_output.json
//
// Directories are created on first use.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/CZERTAINLY/Legion/internal/codec"
	"github.com/CZERTAINLY/Legion/internal/model"
)

const (
	InputsDir      = "inputs"
	OutputsDir     = "outputs"
	InputManifest  = "manifest_input.json"
	OutputManifest = "manifest_output.json"
)

// Named is a value with its argument name.
type Named struct {
	Name  string
	Value any
}

// Values is an ordered list of named values.
type Values []Named

func (vs Values) Get(name string) (any, bool) {
	for _, v := range vs {
		if v.Name == name {
			return v.Value, true
		}
	}
	return nil, false
}

func (vs Values) Names() []string {
	ret := make([]string, len(vs))
	for i, v := range vs {
		ret[i] = v.Name
	}
	return ret
}

type Exchange struct {
	root   string
	codecs *codec.Registry
}

// New returns an Exchange rooted at root. The root does not need to exist.
func New(root string, codecs *codec.Registry) (*Exchange, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty temp root", model.ErrConfiguration)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: temp root %s: %w", model.ErrConfiguration, root, err)
	}
	if codecs == nil {
		codecs = codec.Default()
	}
	return &Exchange{root: abs, codecs: codecs}, nil
}

func (e *Exchange) Root() string {
	return e.root
}

// RunDir returns the absolute run directory of a campaign.
func (e *Exchange) RunDir(id string) string {
	return filepath.Join(e.root, id)
}

// WriteInputManifest serializes values into the inputs directory of the
// campaign and writes the input manifest. Values no codec can handle are
// logged and skipped.
func (e *Exchange) WriteInputManifest(ctx context.Context, id string, values Values) error {
	if err := checkID(id); err != nil {
		return err
	}
	dir := filepath.Join(e.RunDir(id), InputsDir)
	return e.write(ctx, dir, InputManifest, values)
}

// ReadOutputManifest deserializes the output manifest of the campaign.
// A missing manifest is a ManifestError when required, otherwise it is
// logged and no values are returned.
func (e *Exchange) ReadOutputManifest(ctx context.Context, id string, required bool) (Values, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	dir := filepath.Join(e.RunDir(id), OutputsDir)
	values, err := e.read(ctx, dir, OutputManifest)
	if errors.Is(err, fs.ErrNotExist) && !required {
		slog.WarnContext(ctx, "output manifest not found", "dir", dir)
		return Values{}, nil
	}
	return values, err
}

// Cleanup removes the run directory of the campaign. Failures are logged.
func (e *Exchange) Cleanup(ctx context.Context, id string) {
	if err := checkID(id); err != nil {
		slog.ErrorContext(ctx, "cleanup refused", "error", err)
		return
	}
	dir := e.RunDir(id)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		slog.DebugContext(ctx, "cleanup skipped: run directory not found", "dir", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.ErrorContext(ctx, "cleanup failed", "dir", dir, "error", err)
		return
	}
	slog.DebugContext(ctx, "run directory removed", "dir", dir)
}

// ImportInputs is the worker side counterpart of WriteInputManifest.
func (e *Exchange) ImportInputs(ctx context.Context, runDir string) (Values, error) {
	return e.read(ctx, filepath.Join(runDir, InputsDir), InputManifest)
}

// ExportOutputs is the worker side counterpart of ReadOutputManifest.
// The outputs directory must resolve, symlinks included, to a location
// below the temp root, otherwise nothing is written.
func (e *Exchange) ExportOutputs(ctx context.Context, runDir string, values Values) error {
	dir := filepath.Join(runDir, OutputsDir)
	if err := e.contained(dir); err != nil {
		return err
	}
	if err := checkNames(values); err != nil {
		return err
	}
	for _, v := range values {
		if err := e.contained(filepath.Join(dir, v.Name)); err != nil {
			return err
		}
	}
	return e.write(ctx, dir, OutputManifest, values)
}

// RunDirInfo describes an existing run directory.
type RunDirInfo struct {
	ID       string
	Path     string
	Modified time.Time
}

// RunDirs lists run directories below the temp root, oldest first.
func (e *Exchange) RunDirs() ([]RunDirInfo, error) {
	entries, err := os.ReadDir(e.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ret []RunDirInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		ret = append(ret, RunDirInfo{
			ID:       entry.Name(),
			Path:     filepath.Join(e.root, entry.Name()),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Modified.Before(ret[j].Modified) })
	return ret, nil
}

func (e *Exchange) write(ctx context.Context, dir, manifestName string, values Values) error {
	if err := checkNames(values); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %w", model.ErrManifest, dir, err)
	}

	manifest := make(Manifest, 0, len(values))
	for _, v := range values {
		c, ok := e.codecs.For(v.Value)
		if !ok {
			slog.WarnContext(ctx, "unsupported value type: skipping", "name", v.Name, "type", fmt.Sprintf("%T", v.Value))
			continue
		}
		p, err := c.Serialize(ctx, v.Value, dir, v.Name)
		if errors.Is(err, model.ErrUnsupportedType) {
			slog.WarnContext(ctx, "value can't be serialized: skipping", "name", v.Name, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("serializing %s: %w", v.Name, err)
		}
		manifest = append(manifest, NamedEntry{
			Name:  v.Name,
			Entry: Entry{Type: c.Type(), Value: p.Value, Path: p.Path},
		})
		slog.DebugContext(ctx, "value serialized", "name", v.Name, "codec", c.Type())
	}

	path := filepath.Join(dir, manifestName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrManifest, err)
	}
	if err := manifest.Encode(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: writing %s: %w", model.ErrManifest, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %w", model.ErrManifest, path, err)
	}
	slog.DebugContext(ctx, "manifest written", "path", path, "entries", len(manifest))
	return nil
}

func (e *Exchange) read(ctx context.Context, dir, manifestName string) (Values, error) {
	path := filepath.Join(dir, manifestName)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrManifest, err)
	}
	manifest, err := DecodeManifest(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	values := make(Values, 0, len(manifest))
	for _, ne := range manifest {
		c, ok := e.codecs.ByType(ne.Type)
		if !ok {
			slog.WarnContext(ctx, "unknown codec type: skipping", "name", ne.Name, "type", ne.Type)
			continue
		}
		if ne.FileBacked() && !filepath.IsLocal(ne.Path) {
			return nil, fmt.Errorf("%w: entry %s points to %s", model.ErrSecurity, ne.Name, ne.Path)
		}
		v, err := c.Deserialize(ctx, codec.Payload{Value: ne.Value, Path: ne.Path}, dir)
		if err != nil {
			return nil, fmt.Errorf("deserializing %s: %w", ne.Name, err)
		}
		values = append(values, Named{Name: ne.Name, Value: v})
	}
	return values, nil
}

// contained returns ErrSecurity unless target resolves below the temp root.
// target does not need to exist yet.
func (e *Exchange) contained(target string) error {
	root, err := resolve(e.root)
	if err != nil {
		return fmt.Errorf("%w: resolving temp root: %w", model.ErrSecurity, err)
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrSecurity, err)
	}
	resolved, err := resolve(abs)
	if err != nil {
		return fmt.Errorf("%w: resolving %s: %w", model.ErrSecurity, target, err)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return fmt.Errorf("%w: %s is outside of %s", model.ErrSecurity, resolved, root)
	}
	return nil
}

// resolve evaluates symlinks of the longest existing prefix of path.
func resolve(path string) (string, error) {
	var rest []string
	p := filepath.Clean(path)
	for {
		r, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{r}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return filepath.Join(append([]string{p}, rest...)...), nil
		}
		rest = append([]string{filepath.Base(p)}, rest...)
		p = parent
	}
}

func checkID(id string) error {
	if id == "" || !filepath.IsLocal(id) || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: invalid campaign id %q", model.ErrSecurity, id)
	}
	return nil
}

// checkNames rejects invalid names and names used more than once.
func checkNames(values Values) error {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if err := checkName(v.Name); err != nil {
			return err
		}
		if _, ok := seen[v.Name]; ok {
			return fmt.Errorf("%w: duplicate value name %q", model.ErrManifest, v.Name)
		}
		seen[v.Name] = struct{}{}
	}
	return nil
}

func checkName(name string) error {
	if name == "" || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) || name == InputManifest || name == OutputManifest {
		return fmt.Errorf("%w: invalid value name %q", model.ErrSecurity, name)
	}
	return nil
}
