package connector

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load parses a connector definition from YAML and validates it.
func Load(r io.Reader) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return Parse(data)
}

// LoadFile parses a connector definition from a YAML file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse parses and validates a YAML connector definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// validEnvVarName matches valid environment variable names.
var validEnvVarName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// hasEnvVarSyntax reports whether value contains a ${VAR} reference.
func hasEnvVarSyntax(value string) bool {
	return strings.Contains(value, "${")
}

// ExpandEnvVar expands ${VAR_NAME} references from the environment.
// Values without references are returned as-is. Unknown variables and
// malformed references are errors so missing credentials fail loudly at
// call time rather than producing empty headers.
func ExpandEnvVar(value string) (string, error) {
	if value == "" || !strings.Contains(value, "${") {
		return value, nil
	}

	result := value
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			return "", fmt.Errorf("malformed environment variable reference: unclosed ${")
		}
		end += start

		varName := result[start+2 : end]
		if !validEnvVarName.MatchString(varName) {
			return "", fmt.Errorf("invalid environment variable name: %q", varName)
		}

		varValue, exists := os.LookupEnv(varName)
		if !exists {
			return "", fmt.Errorf("environment variable %q not found", varName)
		}

		result = result[:start] + varValue + result[end+1:]
	}

	return result, nil
}

// RequiredEnvVars returns the environment variable names referenced by the
// definition's auth and header values. Hosts consume this once at startup
// to report missing configuration before any call is made.
func (d *Definition) RequiredEnvVars() []string {
	seen := make(map[string]bool)
	var names []string

	collect := func(value string) {
		for _, m := range envVarRef.FindAllStringSubmatch(value, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}

	if a := d.Auth; a != nil {
		for _, v := range []string{a.Token, a.Username, a.Password, a.Value,
			a.ClientID, a.ClientSecret, a.PrivateKey} {
			collect(v)
		}
	}
	for _, v := range d.Headers {
		collect(v)
	}
	for _, op := range d.Operations {
		for _, v := range op.Headers {
			collect(v)
		}
	}

	return names
}

var envVarRef = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
