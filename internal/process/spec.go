package process

import (
	"io"
	"os/exec"
	"strings"
)

// Spec describes a downstream server process.
type Spec struct {
	Name    string   `json:"name"`
	Command []string `json:"command"` // argv; a single element is parsed as a command line
	Env     []string `json:"env"`     // full environment (KEY=VALUE); nil inherits the parent's
	WorkDir string   `json:"work_dir"`
	// Stderr receives the child's stderr. Nil drains it into the debug log.
	Stderr io.Writer `json:"-"`
}

// BuildCommand constructs an *exec.Cmd for the spec.
// A multi-element Command is executed directly. A single element is treated
// as a command line: explicit "sh -c ..." is honored without double wrapping,
// shell metacharacters force /bin/sh -c, anything else is split on whitespace.
func (s *Spec) BuildCommand() *exec.Cmd {
	switch len(s.Command) {
	case 0:
		// #nosec G204
		return exec.Command("/bin/true")
	case 1:
	default:
		// #nosec G204
		return exec.Command(s.Command[0], s.Command[1:]...)
	}

	cmdStr := strings.TrimSpace(s.Command[0])
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script with one pair of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
