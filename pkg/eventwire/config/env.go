package config

import (
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// EnvObject returns a cty object with one string attribute per KEY=VALUE
// pair, for use as the env variable in expressions.
func EnvObject(environ []string) cty.Value {
	envMap := make(map[string]cty.Value, len(environ))

	for _, envVar := range environ {
		key, value, ok := strings.Cut(envVar, "=")
		if !ok {
			continue
		}
		envMap[sanitizeEnvVarName(key)] = cty.StringVal(value)
	}

	if len(envMap) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(envMap)
}

func lookupEnv(environ []string, name string) (string, bool) {
	// last assignment wins, as with os.Getenv on duplicated entries
	var (
		value string
		found bool
	)
	for _, envVar := range environ {
		key, v, ok := strings.Cut(envVar, "=")
		if ok && key == name {
			value, found = v, true
		}
	}
	return value, found
}

// sanitizeEnvVarName maps a variable name onto a valid HCL identifier:
// a letter or underscore followed by letters, digits, underscores or hyphens.
func sanitizeEnvVarName(name string) string {
	if name == "" {
		return "_"
	}

	var result strings.Builder
	for i, r := range name {
		switch {
		case isLetter(r) || r == '_':
			result.WriteRune(r)
		case i > 0 && (isDigit(r) || r == '-'):
			result.WriteRune(r)
		default:
			result.WriteByte('_')
		}
	}
	return result.String()
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
