package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phylopack/internal/fault"
)

type fakeLookPath map[string]bool

func (f fakeLookPath) LookPath(file string) (string, error) {
	if f[file] {
		return "/usr/bin/" + file, nil
	}
	return "", errors.New("not found")
}

func TestRequireListsAllMissing(t *testing.T) {
	err := Require(fakeLookPath{"mash": true}, logr.Discard(), "mash", "attotree", "postprocess_tree.py")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrMissingTool))
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, []string{"attotree", "postprocess_tree.py"}, fe.Keys)
}

func TestRequireAllPresent(t *testing.T) {
	assert.NoError(t, Require(fakeLookPath{"mash": true, "attotree": true}, logr.Discard(), "mash", "attotree", ""))
}

func TestExecCapturesOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	var echo bytes.Buffer
	e := NewExec()
	e.Echo = &echo
	res, err := e.Run(context.Background(), Command{Argv: []string{"sh", "-c", "echo out; echo err 1>&2"}})
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
	assert.Contains(t, echo.String(), "[sh]")
}

func TestExecStreamsStdout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	var sink bytes.Buffer
	res, err := NewExec().Run(context.Background(), Command{Argv: []string{"sh", "-c", "printf 'a\\tb\\n'"}, Stdout: &sink})
	require.NoError(t, err)
	assert.Empty(t, res.Stdout)
	assert.Equal(t, "a\tb\n", sink.String())
}

func TestExecNonzeroExit(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	res, err := NewExec().Run(context.Background(), Command{Argv: []string{"sh", "-c", "echo broken 1>&2; exit 3"}})
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.True(t, errors.Is(err, fault.ErrToolFailed))
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Contains(t, fe.Output, "broken")
}

func TestExecMissingBinary(t *testing.T) {
	_, err := NewExec().Run(context.Background(), Command{Argv: []string{"phylopack-no-such-tool-xyz"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrMissingTool))
}

func TestMarkerExtractor(t *testing.T) {
	log := strings.Join([]string{
		"[attotree] 2024-03-01 10:00:00 Running Mash",
		"[attotree] 2024-03-01 10:00:07 Finished: 'mash triangle -p 4'",
		"[attotree] 2024-03-01 10:00:07 Running Quicktree",
		"[attotree] 2024-03-01 10:01:07 Finished: 'quicktree -in m'",
	}, "\n")
	ex := MarkerExtractor{Markers: []Marker{
		{Name: "mash_triangle_time", Start: "Running Mash", End: "Finished: 'mash triangle"},
		{Name: "quicktree_time", Start: "Running Quicktree", End: "Finished: 'quicktree"},
		{Name: "absent", Start: "Running Foo", End: "Finished: 'foo"},
	}}
	got := ex.Extract([]byte(log))
	assert.Equal(t, 7*time.Second, got["mash_triangle_time"])
	assert.Equal(t, time.Minute, got["quicktree_time"])
	_, ok := got["absent"]
	assert.False(t, ok)
}

func TestMarkerExtractorBadTimestamp(t *testing.T) {
	ex := MarkerExtractor{Markers: []Marker{{Name: "x", Start: "Running Mash", End: "done"}}}
	got := ex.Extract([]byte("Running Mash now\ndone too\n"))
	assert.Empty(t, got)
}
