package fault

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), 1},
		{Invalid("partition", "cut point must be > 0"), 2},
		{Missing("preflight", []string{"mash"}), 3},
		{Integrity("resolve leaves", []string{"X1"}, "leaf not in input"), 4},
		{ToolFailed("mash sketch", []byte("oops"), errors.New("exit status 1")), 5},
		{IO("write", fs.ErrPermission), 6},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExitCode(tc.err), "%v", tc.err)
	}
}

func TestSentinelsMatchThroughWrapping(t *testing.T) {
	err := fmt.Errorf("build tree: %w", Integrity("resolve leaves", []string{"GCF_1", "GCF_2"}, "leaves not found in input list"))
	assert.True(t, errors.Is(err, ErrIntegrity))
	assert.False(t, errors.Is(err, ErrInvalid))
	assert.Equal(t, IntegrityViolation, KindOf(err))
	assert.Contains(t, err.Error(), "GCF_1, GCF_2")
}

func TestKindSurvivesMultierr(t *testing.T) {
	primary := ToolFailed("attotree", []byte("segfault"), errors.New("exit status 139"))
	err := multierr.Append(primary, errors.New("remove workspace: busy"))
	assert.True(t, errors.Is(err, ErrToolFailed))
	assert.Equal(t, 5, ExitCode(err))
}

func TestIONil(t *testing.T) {
	assert.NoError(t, IO("noop", nil))
}
