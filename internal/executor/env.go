package executor

import (
	"os"
	"strings"
)

// envAllowlist names the host environment variables an agent subprocess may
// see. Everything else is stripped so host secrets cannot leak into agent
// sessions. Engine auth keys are explicitly included.
var envAllowlist = []string{
	"PATH",
	"HOME",
	"USER",
	"SHELL",
	"TERM",
	"LANG",
	"LC_ALL",
	"TMPDIR",
	"ANTHROPIC_API_KEY",
	"CLAUDE_CODE_OAUTH_TOKEN",
	"OPENAI_API_KEY",
}

// BuildEnv returns the filtered subprocess environment, with extra entries
// ("KEY=value") appended after the allowlisted host variables.
func BuildEnv(extra ...string) []string {
	allowed := make(map[string]bool, len(envAllowlist))
	for _, key := range envAllowlist {
		allowed[key] = true
	}

	var env []string
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if ok && allowed[key] {
			env = append(env, kv)
		}
	}
	return append(env, extra...)
}
