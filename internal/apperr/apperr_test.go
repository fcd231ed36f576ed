package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := NotFound("session %s", "abc")
	wrapped := fmt.Errorf("get session: %w", err)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, ErrConflict))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "start: already running", New(KindConflict, "start", "already running").Error())
	assert.Equal(t, "launch: boom", Wrap(KindLaunch, "launch", errors.New("boom")).Error())
	assert.Equal(t, "build", (&Error{Kind: KindBuild}).Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindMountVisibility, KindOf(fmt.Errorf("x: %w", MountVisibility("/tmp"))))
}

func TestClassify(t *testing.T) {
	plain := errors.New("docker said no")
	got := Classify(plain, KindLaunch, "launch")
	assert.True(t, errors.Is(got, ErrLaunch))
	assert.ErrorIs(t, got, plain)

	already := Identity("uid missing")
	assert.Same(t, already, Classify(already, KindLaunch, "launch"))
	assert.Nil(t, Classify(nil, KindLaunch, "launch"))
}
