package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "single reference",
			input: "staging_url: {{.STAGING_URL}}",
			env:   map[string]string{"STAGING_URL": "http://127.0.0.1:4500"},
			want:  "staging_url: http://127.0.0.1:4500",
		},
		{
			name:  "several references on one line",
			input: "endpoint: {{.SCHEME}}://{{.HOST}}:{{.PORT}}/health",
			env:   map[string]string{"SCHEME": "http", "HOST": "staging.local", "PORT": "4500"},
			want:  "endpoint: http://staging.local:4500/health",
		},
		{
			name:  "unset variable becomes empty",
			input: "api_key_env: {{.NO_SUCH_VAR}}",
			env:   nil,
			want:  "api_key_env: ",
		},
		{
			name:  "set-but-empty variable stays empty",
			input: "token: {{.BLANK}}",
			env:   map[string]string{"BLANK": ""},
			want:  "token: ",
		},
		{
			name: "node params in a graph document",
			input: `nodes:
  - id: api-check
    type: api-test
    params:
      base: {{.API_BASE}}
      tenant: {{.TENANT_ID}}
`,
			env: map[string]string{"API_BASE": "http://127.0.0.1:4500/api", "TENANT_ID": "acme"},
			want: `nodes:
  - id: api-check
    type: api-test
    params:
      base: http://127.0.0.1:4500/api
      tenant: acme
`,
		},
		{
			name:  "dollar-sign regex anchors untouched",
			input: `deny_pattern: "^DROP TABLE.*$"`,
			env:   map[string]string{},
			want:  `deny_pattern: "^DROP TABLE.*$"`,
		},
		{
			name:  "shell-style ${VAR} untouched",
			input: "exclude: ${HOME}/.ssh",
			env:   map[string]string{"HOME": "/root"},
			want:  "exclude: ${HOME}/.ssh",
		},
		{
			name:  "dollar inside expanded value survives",
			input: "secret: {{.DB_PASS}}",
			env:   map[string]string{"DB_PASS": "pa$$w0rd"},
			want:  "secret: pa$$w0rd",
		},
		{
			name:  "plain yaml is untouched",
			input: "tier: primary\ncapabilities: [browser.automation]\n",
			env:   map[string]string{"TIER": "secondary"},
			want:  "tier: primary\ncapabilities: [browser.automation]\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.input))))
		})
	}
}

// Broken template syntax must never mangle the file or leak env values;
// the bytes go through untouched and the YAML layer reports its own error.
func TestExpandEnvBrokenSyntaxPassesThrough(t *testing.T) {
	t.Setenv("LEAK", "must-not-appear")

	inputs := []string{
		"key: {{.LEAK",
		"key: {{}}",
		"key: {{LEAK}}",
		"key: {{.LEAK | upper}}",
		"key: {{.LEAK.Nested.Field}}",
		"a: {{.ONE\nb: {{.TWO}",
	}
	for _, input := range inputs {
		data := []byte(input)
		out := ExpandEnv(data)
		assert.Equal(t, input, string(out), "input: %s", input)
		assert.NotContains(t, string(out), "must-not-appear")
	}
}

// On any template failure the caller gets the original slice back, not a
// copy, so error paths cannot reallocate large graph files.
func TestExpandEnvReturnsSameSliceOnFailure(t *testing.T) {
	data := []byte("key: {{.UNCLOSED")
	out := ExpandEnv(data)
	require.Len(t, out, len(data))
	assert.Same(t, &data[0], &out[0])
}

func TestExpandEnvEmptyInput(t *testing.T) {
	assert.Empty(t, ExpandEnv(nil))
	assert.Empty(t, ExpandEnv([]byte("")))
}

// A registry document round-trips through expansion into the YAML parser
// with references resolved.
func TestExpandEnvThenUnmarshal(t *testing.T) {
	t.Setenv("VERCEL_KEY_NAME", "VERCEL_API_KEY")

	raw := `tools:
  - id: vercel
    tier: secondary
    api_key_env: {{.VERCEL_KEY_NAME}}
`
	var doc struct {
		Tools []struct {
			ID        string `yaml:"id"`
			Tier      string `yaml:"tier"`
			APIKeyEnv string `yaml:"api_key_env"`
		} `yaml:"tools"`
	}
	require.NoError(t, yaml.Unmarshal(ExpandEnv([]byte(raw)), &doc))
	require.Len(t, doc.Tools, 1)
	assert.Equal(t, "VERCEL_API_KEY", doc.Tools[0].APIKeyEnv)
}

func TestExpandEnvConcurrent(t *testing.T) {
	t.Setenv("SHARED", "same-for-everyone")
	input := []byte("value: {{.SHARED}}")

	var wg sync.WaitGroup
	results := make([]string, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = string(ExpandEnv(input))
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, "value: same-for-everyone", got)
	}
}
