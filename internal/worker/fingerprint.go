package worker

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/CZERTAINLY/Legion/internal/model"
)

// fingerprintKeys select the settings which need a dedicated worker
// process when the port is chosen automatically.
var fingerprintKeys = []string{
	model.KeyComfyType,
	model.KeyComfyPath,
	model.KeyPythonExecutable,
	model.KeyCustomNodesTemplate,
	model.KeyExtraArgs,
	model.KeyEnvVars,
}

// Fingerprint identifies the worker a configuration runs on. A fixed port
// gives port_<n>. Otherwise it is auto_ followed by the first 8 hex digits
// of the md5 of the fingerprint settings, serialized as a JSON object
// with sorted keys, ", " and ": " separators and ASCII only escaping.
// Missing settings are null.
func Fingerprint(cfg *model.Config) string {
	if port, ok := FixedPort(cfg); ok {
		return "port_" + strconv.Itoa(port)
	}
	selected := make(map[string]any, len(fingerprintKeys))
	for _, k := range fingerprintKeys {
		v, _ := cfg.Lookup(k)
		selected[k] = v
	}
	var buf bytes.Buffer
	canonicalJSON(&buf, selected)
	sum := md5.Sum(buf.Bytes())
	return "auto_" + hex.EncodeToString(sum[:])[:8]
}

// FixedPort returns the configured comfyui.port unless it is auto.
func FixedPort(cfg *model.Config) (int, bool) {
	switch p := cfg.Get(model.KeyComfyPort, model.PortAuto).(type) {
	case int:
		return p, true
	case int64:
		return int(p), true
	case uint64:
		return int(p), true
	case float64:
		return int(p), true
	case string:
		if p == model.PortAuto {
			return 0, false
		}
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func canonicalJSON(buf *bytes.Buffer, v any) {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case string:
		quote(buf, x)
	case int:
		buf.WriteString(strconv.Itoa(x))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(x, 10))
	case float64:
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0"
		}
		buf.WriteString(s)
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteString(", ")
			}
			canonicalJSON(buf, e)
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteString(", ")
			}
			quote(buf, e)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			quote(buf, k)
			buf.WriteString(": ")
			canonicalJSON(buf, x[k])
		}
		buf.WriteByte('}')
	default:
		quote(buf, fmt.Sprint(x))
	}
}

func quote(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r < 0x20 || r == utf8.RuneError:
				fmt.Fprintf(buf, `\u%04x`, r)
			case r < 0x80:
				buf.WriteRune(r)
			case r > 0xffff:
				r -= 0x10000
				fmt.Fprintf(buf, `\u%04x\u%04x`, 0xd800+(r>>10), 0xdc00+(r&0x3ff))
			default:
				fmt.Fprintf(buf, `\u%04x`, r)
			}
		}
	}
	buf.WriteByte('"')
}
