package dialog

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

const maxTemplateOutput = 64 * 1024

var (
	templateCache sync.Map // source -> *template.Template

	templateFuncs = template.FuncMap{
		// arg returns the i-th intent argument as text, or "" when absent.
		"arg": func(i int, args []any) string {
			if i < 0 || i >= len(args) {
				return ""
			}
			return fmt.Sprint(args[i])
		},
		"default": func(def, v string) string {
			if v == "" {
				return def
			}
			return v
		},
		"join": func(sep string, args []any) string {
			return strings.Join(stringArgs(args), sep)
		},
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
	}
)

// Scope is the data available in action templates.
type Scope struct {
	State     string
	Method    string
	Original  string
	Error     string
	Args      []any
	Variables map[string]string
}

func newScope(m *Machine, method string, args []any) Scope {
	sc := Scope{
		State:  m.CurrentStateName(),
		Method: method,
		Args:   args,
	}
	if s := m.Session(); s != nil {
		sc.Variables = s.CopyVariables()
	} else {
		sc.Variables = map[string]string{}
	}
	return sc
}

// EvalCondition renders a "when" condition. It holds unless the output is
// empty or "false".
func EvalCondition(condition string, sc Scope) (bool, error) {
	if condition == "" {
		return true, nil
	}
	out, err := renderTemplate(condition, sc)
	if err != nil {
		return false, err
	}
	out = strings.TrimSpace(out)
	return out != "" && out != "false" && out != "<no value>", nil
}

// RenderParam renders an action parameter. Plain strings are returned as is.
func RenderParam(tmpl string, sc Scope) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	return renderTemplate(tmpl, sc)
}

func parseTemplate(src string) (*template.Template, error) {
	if cached, ok := templateCache.Load(src); ok {
		return cached.(*template.Template), nil
	}
	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, err
	}
	templateCache.Store(src, t)
	return t, nil
}

// cappedBuffer fails writes once more than limit bytes were produced.
type cappedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); len(p) > room {
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return 0, fmt.Errorf("template output exceeds %d bytes", b.limit)
	}
	return b.Buffer.Write(p)
}

func renderTemplate(src string, sc Scope) (string, error) {
	t, err := parseTemplate(src)
	if err != nil {
		return "", err
	}
	buf := &cappedBuffer{limit: maxTemplateOutput}
	if err := t.Execute(buf, sc); err != nil {
		return "", err
	}
	return buf.String(), nil
}
