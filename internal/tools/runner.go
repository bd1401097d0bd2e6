package tools

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts shell command execution for OS shaping backends.
type CommandRunner interface {
	Run(name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

// tools command-runner implementation backed by os/exec.
func (r ExecRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := exec.Command(name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// PrefixRunner runs every command behind a fixed prefix, e.g. "sudo -n".
type PrefixRunner struct {
	Prefix []string
	Runner CommandRunner
}

func (r PrefixRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	inner := r.Runner
	if inner == nil {
		inner = ExecRunner{}
	}
	if len(r.Prefix) == 0 {
		return inner.Run(name, args...)
	}
	full := append(append([]string{}, r.Prefix[1:]...), name)
	full = append(full, args...)
	return inner.Run(r.Prefix[0], full...)
}

// CommandError describes a failed command with its captured stderr.
type CommandError struct {
	Command  string
	ExitCode int32
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("command %q exited %d: %s", e.Command, e.ExitCode, msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// RunChecked runs a command and folds a non-zero exit into a *CommandError.
func RunChecked(r CommandRunner, name string, args ...string) ([]byte, error) {
	stdout, stderr, code, err := r.Run(name, args...)
	if err != nil || code != 0 {
		if err == nil {
			err = fmt.Errorf("exit status %d", code)
		}
		return stdout, &CommandError{
			Command:  strings.TrimSpace(name + " " + strings.Join(args, " ")),
			ExitCode: code,
			Stderr:   string(stderr),
			Err:      err,
		}
	}
	return stdout, nil
}
