package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// commandDenylist blocks obviously destructive or privilege-sensitive
// commands. Matching is substring-based over the whole command line.
var commandDenylist = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	"shutdown",
	"reboot",
	"halt",
	":(){",
	"sudo ",
	"chmod -R 777 /",
	"> /dev/sda",
	"format c:",
}

const (
	defaultCommandTimeout = 60 * time.Second
	maxCommandTimeout     = 10 * time.Minute
	commandOutputLimit    = 64 * 1024
)

// RunCommand executes a shell command in the task workspace with a timeout.
type RunCommand struct {
	// WorkDir is the directory commands run in. Empty means the process
	// working directory.
	WorkDir string
}

func (RunCommand) Name() string { return "run_command" }

func (RunCommand) Description() string {
	return "Run a shell command and return stdout, stderr, and the exit code. Long-running commands are killed at the timeout."
}

type runCommandParams struct {
	Command        string `json:"command" jsonschema_description:"The shell command line to run."`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" jsonschema_description:"Kill the command after this many seconds. Default 60, max 600."`
}

func (RunCommand) Parameters() json.RawMessage { return ReflectSchema(runCommandParams{}) }

func (t RunCommand) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var params runCommandParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, Errf(CodeInvalidArgs, "%v", err)
	}
	command := strings.TrimSpace(params.Command)
	if command == "" {
		return nil, Errf(CodeInvalidArgs, "command is empty")
	}
	for _, blocked := range commandDenylist {
		if strings.Contains(command, blocked) {
			return nil, Errf(CodeCommandBlocked, "command matches blocked pattern %q", blocked)
		}
	}

	timeout := defaultCommandTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
		if timeout > maxCommandTimeout {
			timeout = maxCommandTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, Errf(CodeCommandTimeout, "command killed after %s", timeout)
	}
	result := map[string]any{
		"stdout":   truncate(stdout.String(), commandOutputLimit),
		"stderr":   truncate(stderr.String(), commandOutputLimit),
		"exitCode": 0,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result["exitCode"] = exitErr.ExitCode()
			result["error"] = CodeCommandFailed
			return &Result{Data: result}, nil
		}
		return nil, Errf(CodeCommandFailed, "%v", err)
	}
	return &Result{Data: result}, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n...(truncated)"
}
