package privsystest

import (
	"errors"
	"syscall"
	"testing"

	"github.com/agentsh/jailhttpd/internal/capabilities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_SetuidFromRootWithoutKeepCaps(t *testing.T) {
	f := NewRoot()
	require.NoError(t, f.Setuid(1000))
	assert.Equal(t, 1000, f.UID())
	assert.Empty(t, f.EffectiveSet())
	assert.Empty(t, f.PermittedSet())
	assert.False(t, f.IsDumpable())
}

func TestFake_SetuidFromRootWithKeepCaps(t *testing.T) {
	f := NewRoot()
	require.NoError(t, f.Restrict(capabilities.SetUID, capabilities.SetGID))
	require.NoError(t, f.Raise(capabilities.Effective, capabilities.SetUID))
	require.NoError(t, f.KeepCaps())
	require.NoError(t, f.Setuid(33))

	assert.Empty(t, f.EffectiveSet())
	assert.Equal(t, []capabilities.Cap{capabilities.SetGID, capabilities.SetUID}, f.PermittedSet())
}

func TestFake_CredentialCallsNeedCapabilities(t *testing.T) {
	f := NewUser(33, 33, 33)

	assert.ErrorIs(t, f.Setgroups([]int{100}), syscall.EPERM)
	assert.ErrorIs(t, f.Setgid(100), syscall.EPERM)
	assert.ErrorIs(t, f.Setuid(100), syscall.EPERM)
	assert.ErrorIs(t, f.Chroot("/srv"), syscall.EPERM)

	// Setting the current id is always allowed.
	assert.NoError(t, f.Setuid(33))
	assert.NoError(t, f.Setgid(33))
	assert.True(t, f.IsDumpable())
}

func TestFake_RaiseRequiresPermitted(t *testing.T) {
	f := NewRoot()
	require.NoError(t, f.Lower(capabilities.Permitted, capabilities.SetUID))

	assert.ErrorIs(t, f.Raise(capabilities.Effective, capabilities.SetUID), syscall.EPERM)
	assert.ErrorIs(t, f.Raise(capabilities.Permitted, capabilities.SetUID), syscall.EPERM)
}

func TestFake_RestrictMustBeSubset(t *testing.T) {
	f := NewRoot()
	require.NoError(t, f.Restrict(capabilities.SetUID))
	assert.Empty(t, f.EffectiveSet())
	assert.ErrorIs(t, f.Restrict(capabilities.SetUID, capabilities.SetGID), syscall.EPERM)
}

func TestFake_FailureInjection(t *testing.T) {
	f := NewRoot()
	boom := errors.New("boom")
	f.Fail("chdir", boom)

	assert.ErrorIs(t, f.Chdir("/srv"), boom)
	assert.Equal(t, "/", f.Cwd())
	assert.True(t, f.Called("chdir"))
	assert.False(t, f.Called("chroot"))

	f.Fail("chdir", nil)
	require.NoError(t, f.Chdir("/srv"))
	assert.Equal(t, []string{"chdir(/srv)", "chdir(/srv)"}, f.Calls())
}
