// Package shell provides the coder's execution tools: bash_tool runs a Bash
// command and python_repl_tool runs a Python program. Commands run in a
// configured working directory with a per-call timeout.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
	"github.com/crewflow/crewflow/runtime/agent/tools"
)

type (
	// Options configures the execution tools.
	Options struct {
		// Dir is the working directory of commands. Empty uses the process
		// working directory.
		Dir string
		// Timeout bounds each call. Defaults to DefaultTimeout.
		Timeout time.Duration
		// Bash is the shell binary. Defaults to "bash".
		Bash string
		// Python is the interpreter binary. Defaults to "python3".
		Python string
		// MaxOutput caps the bytes captured from each of stdout and stderr.
		// Defaults to DefaultMaxOutput.
		MaxOutput int
	}

	// Bash is the bash_tool.
	Bash struct {
		bin string
		run runner
	}

	// Python is the python_repl_tool.
	Python struct {
		bin string
		run runner
	}

	runner struct {
		dir       string
		timeout   time.Duration
		maxOutput int
	}

	// cappedBuffer keeps the first limit bytes written to it and discards
	// the rest so a chatty command keeps running without growing memory.
	cappedBuffer struct {
		buf       bytes.Buffer
		limit     int
		truncated bool
	}

	// result is the captured output of a command.
	result struct {
		stdout string
		stderr string
		code   int
	}
)

const (
	// BashName is the name of the bash tool.
	BashName = "bash_tool"
	// PythonName is the name of the python tool.
	PythonName = "python_repl_tool"
	// DefaultTimeout bounds a call when Options.Timeout is zero.
	DefaultTimeout = 2 * time.Minute
	// DefaultMaxOutput caps captured output when Options.MaxOutput is zero.
	DefaultMaxOutput = 64 << 10

	truncatedNotice = "\n\n[Output truncated...]"
)

var (
	bashSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "cmd": {"type": "string", "description": "The bash command to be executed."}
  },
  "required": ["cmd"]
}`)

	pythonSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "code": {"type": "string", "description": "The python code to execute to do further analysis or calculation."}
  },
  "required": ["code"]
}`)
)

// NewBash returns the bash tool.
func NewBash(opts Options) *Bash {
	bin := opts.Bash
	if bin == "" {
		bin = "bash"
	}
	return &Bash{bin: bin, run: newRunner(opts)}
}

// NewPython returns the python tool.
func NewPython(opts Options) *Python {
	bin := opts.Python
	if bin == "" {
		bin = "python3"
	}
	return &Python{bin: bin, run: newRunner(opts)}
}

// Spec implements tools.Tool.
func (b *Bash) Spec() tools.Spec {
	return tools.Spec{
		Name:        BashName,
		Description: "Use this to execute bash command and do necessary operations.",
		Schema:      bashSchema,
	}
}

// Call implements tools.Tool. It returns the standard output of the command.
func (b *Bash) Call(ctx context.Context, raw json.RawMessage) (string, error) {
	var in struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", toolerrors.NewWithCause(BashName, "invalid input", err)
	}
	res, err := b.run.exec(ctx, BashName, b.bin, "-c", in.Cmd)
	if err != nil {
		return "", err
	}
	return res.stdout, nil
}

// Spec implements tools.Tool.
func (p *Python) Spec() tools.Spec {
	return tools.Spec{
		Name:        PythonName,
		Description: "Use this to execute python code and do data analysis or calculation. If you want to see the output of a value, you should print it out with `print(...)`. This is visible to the user.",
		Schema:      pythonSchema,
	}
}

// Call implements tools.Tool. The reply echoes the program and its standard
// output. Each call runs in a fresh interpreter.
func (p *Python) Call(ctx context.Context, raw json.RawMessage) (string, error) {
	var in struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", toolerrors.NewWithCause(PythonName, "invalid input", err)
	}
	res, err := p.run.exec(ctx, PythonName, p.bin, "-c", in.Code)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Successfully executed:\n```python\n%s\n```\nStdout: %s", in.Code, res.stdout), nil
}

func newRunner(opts Options) runner {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := opts.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	return runner{dir: opts.Dir, timeout: timeout, maxOutput: limit}
}

// exec runs bin with args. A non-zero exit status or a timeout is a tool
// error carrying the captured output; cancellation of ctx is returned as is.
func (r runner) exec(ctx context.Context, tool, bin string, args ...string) (result, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	stdout := &cappedBuffer{limit: r.maxOutput}
	stderr := &cappedBuffer{limit: r.maxOutput}
	cmd := exec.CommandContext(cctx, bin, args...)
	cmd.Dir = r.dir
	cmd.WaitDelay = time.Second
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	res := result{stdout: stdout.String(), stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if cctx.Err() != nil {
		return res, toolerrors.NewWithCause(tool, fmt.Sprintf("timed out after %s", r.timeout), nil)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.code = exitErr.ExitCode()
		return res, toolerrors.NewWithCause(tool, fmt.Sprintf("Command failed with exit code %d.\nStdout: %s\nStderr: %s", res.code, res.stdout, res.stderr), nil)
	}
	return res, toolerrors.NewWithCause(tool, "", err)
}

// Write implements io.Writer. It never fails.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// String returns the captured output, followed by a notice when output was
// dropped.
func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncatedNotice
	}
	return b.buf.String()
}
