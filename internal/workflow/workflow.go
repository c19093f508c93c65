// Package workflow locates, loads and patches worker job graphs. A job
// graph is a JSON object mapping node ids to nodes, each node carrying a
// class_type and an inputs object.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/CZERTAINLY/Legion/internal/model"
)

const (
	// ImporterClass is the class_type of the node reading the input manifest.
	ImporterClass = "LegionImporter"
	// ExchangeRootInput is the importer input receiving the run directory.
	ExchangeRootInput = "data_exchange_root"
)

// Workflow is a decoded job graph.
type Workflow map[string]any

// Find returns the absolute path of the first file called name in roots.
func Find(name string, roots []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: no workflow specified", model.ErrConfiguration)
	}
	for _, root := range roots {
		if root == "" {
			continue
		}
		path := filepath.Join(root, name)
		info, err := os.Stat(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("%w: %w", model.ErrConfiguration, err)
			}
			continue
		}
		if info.Mode().IsRegular() {
			return filepath.Abs(path)
		}
	}
	return "", fmt.Errorf("%w: workflow %q not found in %v", model.ErrConfiguration, name, roots)
}

// Load reads and decodes a workflow file.
func Load(path string) (Workflow, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrConfiguration, err)
	}
	w, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

func Parse(b []byte) (Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: decoding workflow: %w", model.ErrConfiguration, err)
	}
	if w == nil {
		return nil, fmt.Errorf("%w: workflow is empty", model.ErrConfiguration)
	}
	return w, nil
}

// FindNode returns the id of a node with the given class_type. When more
// nodes match, the lowest id wins, numeric ids compared as numbers. The
// order of nodes in the file is not kept by decoding, so it plays no role.
func (w Workflow) FindNode(classType string) (string, bool) {
	ids := make([]string, 0, len(w))
	for id, node := range w {
		n, ok := node.(map[string]any)
		if !ok {
			continue
		}
		if ct, _ := n["class_type"].(string); ct == classType {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
	return ids[0], true
}

func lessID(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

// Set stores value under a dot separated path whose first element is a
// node id, e.g. 12.inputs.data_exchange_root. The node must exist, missing
// intermediate objects are created.
func (w Workflow) Set(path string, value any) error {
	keys := strings.Split(path, ".")
	if len(keys) < 2 {
		return fmt.Errorf("%w: patch path %q needs a node id and a key", model.ErrConfiguration, path)
	}
	if _, ok := w[keys[0]].(map[string]any); !ok {
		return fmt.Errorf("%w: node %q not found in workflow", model.ErrConfiguration, keys[0])
	}

	x := jp.C(keys[0])
	for _, k := range keys[1 : len(keys)-1] {
		x = x.C(k)
		switch cur := x.First(map[string]any(w)).(type) {
		case nil:
			if err := x.Set(map[string]any(w), map[string]any{}); err != nil {
				return fmt.Errorf("%w: creating %s: %w", model.ErrConfiguration, x, err)
			}
		case map[string]any:
		default:
			return fmt.Errorf("%w: %s is a %T, not an object", model.ErrConfiguration, x, cur)
		}
	}
	x = x.C(keys[len(keys)-1])
	if err := x.Set(map[string]any(w), value); err != nil {
		return fmt.Errorf("%w: setting %s: %w", model.ErrConfiguration, x, err)
	}
	return nil
}

// Get returns the value stored under a dot separated path.
func (w Workflow) Get(path string) (any, bool) {
	keys := strings.Split(path, ".")
	x := jp.C(keys[0])
	for _, k := range keys[1:] {
		x = x.C(k)
	}
	got := x.Get(map[string]any(w))
	if len(got) == 0 {
		return nil, false
	}
	return got[0], true
}

// AddNode adds or replaces a node.
func (w Workflow) AddNode(id, classType string, inputs map[string]any) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	w[id] = map[string]any{
		"class_type": classType,
		"inputs":     inputs,
	}
}

// PatchImporter points the importer node to runDir and returns its id.
func (w Workflow) PatchImporter(runDir string) (string, error) {
	id, ok := w.FindNode(ImporterClass)
	if !ok {
		return "", fmt.Errorf("%w: workflow must contain a %s node", model.ErrConfiguration, ImporterClass)
	}
	if err := w.Set(id+".inputs."+ExchangeRootInput, runDir); err != nil {
		return "", err
	}
	return id, nil
}
