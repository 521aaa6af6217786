package config

import (
	"os"
	"regexp"
)

// envRefPattern matches ${NAME} environment variable references, the
// syntax the gateway's YAML config uses inside api_key values.
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces every ${NAME} reference in value with the value of the
// named environment variable. An unset variable expands to the empty
// string, mirroring the teacher's os.environ/ fallback behavior.
func ExpandEnv(value string) string {
	return envRefPattern.ReplaceAllStringFunc(value, func(ref string) string {
		name := envRefPattern.FindStringSubmatch(ref)[1]
		v, _ := os.LookupEnv(name)
		return v
	})
}
