package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in raw YAML using Go template
// syntax: {{.CONSULT_TOKEN}} → the variable's value. Template syntax is used
// instead of $VAR so literal $ characters in values (tokens, passwords) pass
// through untouched. Missing variables expand to empty string; validation
// catches required fields that end up empty. Malformed template syntax
// returns the input unchanged.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
