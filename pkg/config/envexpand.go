package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR}} references in YAML bytes with the value
// of the VAR environment variable. Graph files and policy bundles use this
// to keep secrets and per-host endpoints out of checked-in YAML.
//
// Template syntax is used instead of $VAR so that dollar signs survive
// untouched; node params routinely carry regex anchors (^x$), passwords,
// and shell fragments. A reference to an unset variable becomes the empty
// string, and the loaders' schema validation reports required fields that
// end up blank.
//
// Input that does not parse or execute as a template is returned exactly
// as given, so YAML with no template syntax always passes through.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("yaml").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, environMap()); err != nil {
		return data
	}
	return out.Bytes()
}

func environMap() map[string]string {
	env := make(map[string]string)
	for _, entry := range os.Environ() {
		if name, value, ok := strings.Cut(entry, "="); ok && name != "" {
			env[name] = value
		}
	}
	return env
}
