package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/abiosoft/lineprefix"
	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
	utilexec "k8s.io/utils/exec"

	"phylopack/internal/fault"
)

// Command is one external invocation. When Stdout is set the child's stdout is
// streamed there instead of being captured.
type Command struct {
	Argv   []string
	Stdout io.Writer
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() []byte {
	out := make([]byte, 0, len(r.Stdout)+len(r.Stderr))
	out = append(out, r.Stdout...)
	return append(out, r.Stderr...)
}

// Runner executes external programs and blocks until they exit.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// LookPather resolves program names to installed binaries.
type LookPather interface {
	LookPath(file string) (string, error)
}

// Exec runs commands on the host.
type Exec struct {
	exec utilexec.Interface
	// Echo receives a prefixed copy of each child's stderr when non-nil.
	Echo io.Writer
}

func NewExec() *Exec {
	return &Exec{exec: utilexec.New()}
}

func (e *Exec) LookPath(file string) (string, error) {
	return e.exec.LookPath(file)
}

func (e *Exec) Run(ctx context.Context, c Command) (Result, error) {
	if len(c.Argv) == 0 {
		return Result{}, fault.Invalid("run", "empty command")
	}
	logger := klog.FromContext(ctx)
	logger.V(2).Info("Running external command", "argv", strings.Join(c.Argv, " "))

	cmd := e.exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	var stdout, stderr bytes.Buffer
	var outW io.Writer = &stdout
	if c.Stdout != nil {
		outW = c.Stdout
	}
	var errW io.Writer = &stderr
	if e.Echo != nil {
		prefixed := lineprefix.New(
			lineprefix.Writer(e.Echo),
			lineprefix.Prefix("["+filepath.Base(c.Argv[0])+"]"),
		)
		errW = io.MultiWriter(&stderr, prefixed)
	}
	cmd.SetStdout(outW)
	cmd.SetStderr(errW)

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	op := filepath.Base(c.Argv[0])
	if len(c.Argv) > 1 && !strings.HasPrefix(c.Argv[1], "-") {
		op += " " + c.Argv[1]
	}
	if errors.Is(err, utilexec.ErrExecutableNotFound) {
		return res, fault.Missing(op, []string{c.Argv[0]})
	}
	var exitErr utilexec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		err = fmt.Errorf("exit status %d", res.ExitCode)
	} else {
		res.ExitCode = -1
	}
	return res, fault.ToolFailed(op, res.Combined(), err)
}

// Require checks every tool before a run starts and reports all missing ones.
func Require(lp LookPather, log logr.Logger, tools ...string) error {
	var missing []string
	for _, tool := range tools {
		if strings.TrimSpace(tool) == "" {
			continue
		}
		path, err := lp.LookPath(tool)
		if err != nil {
			missing = append(missing, tool)
			continue
		}
		log.V(2).Info("Found external tool", "tool", tool, "path", path)
	}
	if len(missing) > 0 {
		return fault.Missing("preflight", missing)
	}
	return nil
}
