package monitor

import (
	"errors"
	"os/exec"
	"strings"
)

// LaunchSpec is the fixed relaunch recipe for one instance type, known at
// monitor configuration time. Every recognized option is explicit; specs
// are validated at construction.
type LaunchSpec struct {
	Command     string   `mapstructure:"command"` // command to start the worker (shell)
	WorkDir     string   `mapstructure:"workdir"` // optional working dir
	Env         []string `mapstructure:"env"`     // optional extra env
	AutoRestart bool     `mapstructure:"autorestart"`
}

func (s LaunchSpec) validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("launch spec: empty command")
	}
	return nil
}

// BuildCommand constructs the *exec.Cmd that relaunches a worker of this
// type. The child runs detached from the monitor's session so a monitor
// restart never takes recovered workers down with it.
func (s LaunchSpec) BuildCommand() *exec.Cmd {
	cmd := s.command()
	cmd.Dir = s.WorkDir
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	configureSysProcAttr(cmd)
	return cmd
}

// command turns the configured command string into an exec.Cmd. A plain
// "binary arg arg" form runs directly. Shell metacharacters route the
// whole string through /bin/sh -c, and a command that already spells out
// "sh -c <script>" hands its script to the shell without wrapping it in a
// second one.
func (s LaunchSpec) command() *exec.Cmd {
	raw := strings.TrimSpace(s.Command)
	if raw == "" {
		// validate() rejects this; keep the zero value runnable
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if script, ok := shellScript(raw); ok {
		// absolute shell path so an overridden Env cannot break PATH lookup
		// #nosec G204
		return exec.Command("/bin/sh", "-c", script)
	}
	if strings.ContainsAny(raw, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", raw)
	}
	parts := strings.Fields(raw)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// shellScript extracts the script from a command that invokes a shell
// itself, like `sh -c 'sleep 1'`. One layer of wrapping quotes is removed
// so redirections and variables inside the script still reach the shell.
func shellScript(raw string) (string, bool) {
	for _, prefix := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		rest, ok := strings.CutPrefix(raw, prefix)
		if !ok {
			continue
		}
		if n := len(rest); n >= 2 {
			first, last := rest[0], rest[n-1]
			if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
				rest = rest[1 : n-1]
			}
		}
		return rest, true
	}
	return "", false
}
