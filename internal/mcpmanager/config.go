package mcpmanager

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ServerConfig describes one MCP server to spawn. Path is the script path
// handed to the resolved Python interpreter; it is validated before spawn
// to reject path traversal and shell metacharacters.
type ServerConfig struct {
	Path       string
	Args       []string
	PythonPath string
}

var shellMetachars = []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"}

func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("mcpmanager: empty server path")
	}
	cleaned := filepath.Clean(p)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("mcpmanager: path traversal rejected: %q", p)
	}
	return nil
}

func containsShellMetachars(s string) bool {
	for _, m := range shellMetachars {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Validate rejects configs that would let a malicious server path smuggle
// shell metacharacters or escape the environment manager's server tree.
func (c ServerConfig) Validate() error {
	if err := validatePath(c.Path); err != nil {
		return err
	}
	if containsShellMetachars(c.Path) {
		return fmt.Errorf("mcpmanager: shell metacharacters rejected in path: %q", c.Path)
	}
	for _, a := range c.Args {
		if containsShellMetachars(a) {
			return fmt.Errorf("mcpmanager: shell metacharacters rejected in arg: %q", a)
		}
	}
	return nil
}
