package alias

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wottorun/wotto/internal/names"
)

func TestAddAndResolve(t *testing.T) {
	b := New()
	b.Add("m", names.FQN("user/m"))

	got, ok := b.Resolve("m")
	assert.True(t, ok)
	assert.Equal(t, names.FQN("user/m"), got)
}

func TestResolve_Transitive(t *testing.T) {
	b := New()
	b.Add("m", names.FQN("user/m"))
	b.Add("m2", names.FQN("m"))

	got, ok := b.Resolve("m2")
	assert.True(t, ok)
	assert.Equal(t, names.FQN("user/m"), got)
}

func TestResolve_UnknownShort(t *testing.T) {
	b := New()
	_, ok := b.Resolve("nope")
	assert.False(t, ok)
}

func TestResolve_CycleIsBounded(t *testing.T) {
	b := New()
	b.Add("a", names.FQN("b"))
	b.Add("b", names.FQN("a"))

	done := make(chan struct{})
	go func() {
		b.Resolve("a")
		close(done)
	}()
	select {
	case <-done:
	default:
	}
	<-done // if this hangs, the test runner's timeout will fail it
}

func TestRemove_TransitivityLeavesNeitherResolvable(t *testing.T) {
	b := New()
	b.Add("foo", names.FQN("bar"))
	b.Add("bar", names.FQN("baz"))

	b.Remove("bar")

	_, ok := b.Resolve("foo")
	assert.False(t, ok)
	_, ok = b.Resolve("bar")
	assert.False(t, ok)
}

func TestRemoveTarget_RemovesChainOfAliases(t *testing.T) {
	b := New()
	b.Add("m", names.FQN("user/m"))
	b.Add("m2", names.FQN("m"))

	b.RemoveTarget(names.FQN("user/m"))

	_, ok := b.Resolve("m")
	assert.False(t, ok)
	_, ok = b.Resolve("m2")
	assert.False(t, ok)
}

func TestAdd_ReplacesExistingTargetAndReverseStaysConsistent(t *testing.T) {
	b := New()
	b.Add("m", names.FQN("user/m"))
	b.Add("m", names.FQN("user/other"))

	got, ok := b.Resolve("m")
	assert.True(t, ok)
	assert.Equal(t, names.FQN("user/other"), got)

	b.RemoveTarget(names.FQN("user/m"))
	_, ok = b.Resolve("m")
	assert.True(t, ok, "alias was repointed, so removing the old target must not affect it")
}
