package exchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	_ "embed"

	jss "github.com/kaptinlin/jsonschema"

	"github.com/CZERTAINLY/Legion/internal/model"
)

//go:embed manifest.schema.json
var manifestSchemaSource []byte

var manifestSchema *jss.Schema

func init() {
	s, err := jss.NewCompiler().Compile(manifestSchemaSource)
	if err != nil {
		panic(fmt.Errorf("compiling manifest schema: %w", err))
	}
	manifestSchema = s
}

// Entry describes one manifest value. Exactly one of Value and Path is
// meaningful, Path is relative to the manifest directory.
type Entry struct {
	Type  string
	Value any
	Path  string
}

func (e Entry) FileBacked() bool {
	return e.Path != ""
}

func (e Entry) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	if err := writeJSON(&buf, e.Type); err != nil {
		return nil, err
	}
	if e.FileBacked() {
		buf.WriteString(`,"path":`)
		if err := writeJSON(&buf, e.Path); err != nil {
			return nil, err
		}
	} else {
		buf.WriteString(`,"value":`)
		if err := writeJSON(&buf, e.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
		Path  *string         `json:"path"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Type = raw.Type
	e.Value = nil
	e.Path = ""
	if raw.Path != nil {
		e.Path = *raw.Path
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw.Value))
	dec.UseNumber()
	return dec.Decode(&e.Value)
}

// NamedEntry is a manifest record.
type NamedEntry struct {
	Name string
	Entry
}

// Manifest keeps the order entries were written in.
type Manifest []NamedEntry

func (m Manifest) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, ne := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSON(&buf, ne.Name); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		b, err := ne.Entry.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Manifest) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("manifest is not a json object")
	}
	var out Manifest
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("entry %q: %w", name, err)
		}
		out = append(out, NamedEntry{Name: name, Entry: e})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}

// Encode writes m as indented JSON.
func (m Manifest) Encode(w io.Writer) error {
	b, err := m.MarshalJSON()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(w)
	return err
}

// DecodeManifest validates b against the manifest schema and parses it.
func DecodeManifest(b []byte) (Manifest, error) {
	res := manifestSchema.Validate(b)
	if !res.Valid {
		var msgs []string
		for _, e := range res.Errors {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Keyword, e.Error()))
		}
		return nil, fmt.Errorf("%w: schema validation failed: %s", model.ErrManifest, strings.Join(msgs, "; "))
	}
	var m Manifest
	if err := m.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrManifest, err)
	}
	return m, nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
