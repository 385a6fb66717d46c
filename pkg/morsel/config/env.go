package config

import (
	"os"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// GetEnvObject returns a cty object containing all environment variables
// as attributes, suitable for providing to an HCL evaluation context.
func GetEnvObject() cty.Value {
	envMap := make(map[string]cty.Value)

	for _, envVar := range os.Environ() {
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

// sanitizeEnvVarName converts environment variable names to valid HCL
// attribute names: a letter or underscore first, then letters, digits,
// underscores and hyphens.
func sanitizeEnvVarName(name string) string {
	if name == "" {
		return "_"
	}

	var result strings.Builder
	for i, char := range name {
		if isValidChar(char) && (i > 0 || isValidFirstChar(char)) {
			result.WriteRune(char)
		} else {
			result.WriteRune('_')
		}
	}

	return result.String()
}

func isValidFirstChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}

func isValidChar(r rune) bool {
	return isValidFirstChar(r) || (r >= '0' && r <= '9') || r == '-'
}
