package model

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is a human readable form of one schema violation.
type CueErrorDetail struct {
	Path    string // execution.poll_attempts
	Code    string // see detailRules, validation_error otherwise
	Message string
	Raw     string
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
	)
}

// detailRules are matched against the raw cue message in order.
var detailRules = []struct {
	rx     *regexp.Regexp
	code   string
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "%s is not a known setting"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "%s must be set"},
	{regexp.MustCompile(`(?i)out of bound|invalid value`), "out_of_range", "%s is out of the allowed range"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting_values", "%s has an unexpected type or value"},
	{regexp.MustCompile(`(?i)does not match`), "invalid_format", "%s has an invalid format"},
}

// CueErrDetails splits a configuration error into per path details sorted
// by path. Errors not produced by the schema validation yield nil.
func CueErrDetails(err error) []CueErrorDetail {
	var cerr cueerrors.Error
	if !errors.As(err, &cerr) {
		return nil
	}

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(cerr) {
		format, args := e.Msg()
		d := describe(settingPath(e.Path()), fmt.Sprintf(format, args...))
		if slices.Contains(out, d) {
			continue
		}
		out = append(out, d)
	}
	slices.SortStableFunc(out, func(a, b CueErrorDetail) int {
		return cmp.Compare(a.Path, b.Path)
	})
	return out
}

// settingPath drops the schema definition from a cue path.
func settingPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func describe(path, raw string) CueErrorDetail {
	d := CueErrorDetail{Path: path, Code: "validation_error", Message: raw, Raw: raw}
	name := path
	if name == "" {
		name = "configuration"
	}
	for _, r := range detailRules {
		if r.rx.MatchString(raw) {
			d.Code = r.code
			d.Message = fmt.Sprintf(r.format, name)
			break
		}
	}
	return d
}
