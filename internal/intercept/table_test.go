package intercept_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/loadguard/internal/intercept"
	"github.com/agentsh/loadguard/internal/intercept/intercepttest"
)

// buildTable registers the four entry points of two modules; the ExW entry
// of the second module is unresolved.
func buildTable() *intercept.Table {
	var b intercept.Builder
	next := uintptr(0x1000)
	for _, mod := range []string{"kernel32.dll", "kernelbase.dll"} {
		for _, entry := range []string{"LoadLibraryA", "LoadLibraryExA", "LoadLibraryW", "LoadLibraryExW"} {
			real := next
			if mod == "kernelbase.dll" && entry == "LoadLibraryExW" {
				real = 0
			}
			r := b.Add(mod, entry, real)
			r.Detour = next + 0x8000
			next += 0x10
		}
	}
	return b.Build()
}

func TestTable_InstallRedirectsResolvedRecords(t *testing.T) {
	f := intercepttest.NewFacility()
	tbl := buildTable()

	require.NoError(t, tbl.InstallAll(f))
	assert.True(t, tbl.Installed())
	assert.Len(t, f.Routes(), 7)

	for _, r := range tbl.Records() {
		if !r.Resolved() {
			assert.Zero(t, r.Forward(), "unresolved %s", r)
			continue
		}
		assert.Equal(t, r.Detour, f.Resolve(r.Real), "%s", r)
		assert.Equal(t, r.Real, r.Forward(), "%s", r)
	}
	assert.Equal(t, 1, f.Commits)
}

func TestTable_RoundTripRestoresEveryEntryPoint(t *testing.T) {
	f := intercepttest.NewFacility()
	tbl := buildTable()

	before := map[uintptr]uintptr{}
	for _, r := range tbl.Records() {
		before[r.Real] = f.Resolve(r.Real)
	}

	require.NoError(t, tbl.InstallAll(f))
	require.NoError(t, tbl.UninstallAll(f))

	assert.False(t, tbl.Installed())
	assert.Empty(t, f.Routes())
	for _, r := range tbl.Records() {
		assert.Equal(t, before[r.Real], f.Resolve(r.Real), "%s", r)
	}
}

func TestTable_AttachFailureLeavesNothingInstalled(t *testing.T) {
	f := intercepttest.NewFacility()
	tbl := buildTable()
	boom := errors.New("boom")
	f.FailAttach = map[uintptr]error{tbl.Records()[5].Real: boom}

	err := tbl.InstallAll(f)
	require.Error(t, err)
	assert.ErrorIs(t, err, intercept.ErrTransaction)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "kernelbase.dll!LoadLibraryExA")

	assert.False(t, tbl.Installed())
	assert.Empty(t, f.Routes())
	assert.Equal(t, 1, f.Aborts)
	assert.False(t, f.Open())
}

func TestTable_CommitFailureLeavesNothingInstalled(t *testing.T) {
	f := intercepttest.NewFacility()
	f.FailCommit = errors.New("thread update failed")
	tbl := buildTable()

	err := tbl.InstallAll(f)
	assert.ErrorIs(t, err, intercept.ErrTransaction)
	assert.False(t, tbl.Installed())
	assert.Empty(t, f.Routes())
	for _, r := range tbl.Records() {
		assert.Equal(t, r.Real, r.Forward())
	}
}

func TestTable_BeginFailure(t *testing.T) {
	f := intercepttest.NewFacility()
	f.FailBegin = errors.New("busy")
	tbl := buildTable()

	assert.ErrorIs(t, tbl.InstallAll(f), intercept.ErrTransaction)
	assert.False(t, tbl.Installed())
}

func TestTable_UninstallFailureKeepsEverything(t *testing.T) {
	f := intercepttest.NewFacility()
	tbl := buildTable()
	require.NoError(t, tbl.InstallAll(f))

	f.FailCommit = errors.New("commit refused")
	assert.ErrorIs(t, tbl.UninstallAll(f), intercept.ErrTransaction)
	assert.True(t, tbl.Installed())
	assert.Len(t, f.Routes(), 7)
}

func TestTable_UninstallWithoutInstallIsNoop(t *testing.T) {
	f := intercepttest.NewFacility()
	tbl := buildTable()
	require.NoError(t, tbl.UninstallAll(f))
	assert.Zero(t, f.Commits)
	assert.Zero(t, f.Aborts)
}

func TestTable_InstallTwice(t *testing.T) {
	f := intercepttest.NewFacility()
	tbl := buildTable()
	require.NoError(t, tbl.InstallAll(f))
	assert.ErrorIs(t, tbl.InstallAll(f), intercept.ErrInstalled)
}

func TestTable_NothingResolved(t *testing.T) {
	var b intercept.Builder
	b.Add("kernel32.dll", "LoadLibraryA", 0)
	tbl := b.Build()

	f := intercepttest.NewFacility()
	require.NoError(t, tbl.InstallAll(f))
	assert.False(t, tbl.Installed())
	assert.Zero(t, f.Commits)
}

func TestTable_SharedAddressInstalledOnce(t *testing.T) {
	// kernel32 exports that forward to kernelbase resolve to one address.
	var b intercept.Builder
	k32 := b.Add("kernel32.dll", "LoadLibraryW", 0x1000)
	k32.Detour = 0x9000
	kb := b.Add("kernelbase.dll", "LoadLibraryW", 0x1000)
	kb.Detour = 0x9010
	other := b.Add("kernelbase.dll", "LoadLibraryA", 0x2000)
	other.Detour = 0x9020
	tbl := b.Build()

	assert.Nil(t, k32.SharedWith())
	assert.Same(t, k32, kb.SharedWith())

	f := intercepttest.NewFacility()
	require.NoError(t, tbl.InstallAll(f))
	assert.True(t, tbl.Installed())
	assert.Equal(t, map[uintptr]uintptr{0x1000: 0x9000, 0x2000: 0x9020}, f.Routes())
	for _, r := range tbl.Records() {
		assert.True(t, r.Redirected(), "%s", r)
	}

	require.NoError(t, tbl.UninstallAll(f))
	assert.Empty(t, f.Routes())
	for _, r := range tbl.Records() {
		assert.False(t, r.Redirected(), "%s", r)
	}
}

func TestTable_ForwardingAddressPublished(t *testing.T) {
	f := intercepttest.NewFacility()
	f.Forwarding = true
	tbl := buildTable()

	require.NoError(t, tbl.InstallAll(f))
	for _, r := range tbl.Records() {
		if !r.Resolved() {
			assert.False(t, r.Redirected(), "%s", r)
			continue
		}
		assert.NotEqual(t, r.Real, r.Forward(), "%s", r)
		orig, ok := f.Original(r.Forward())
		require.True(t, ok, "%s", r)
		assert.Equal(t, r.Real, orig, "%s", r)
	}

	require.NoError(t, tbl.UninstallAll(f))
	assert.Empty(t, f.Routes())
	for _, r := range tbl.Records() {
		assert.Equal(t, r.Real, r.Forward(), "%s", r)
	}
}

func TestTable_RedirectedOnlyAfterCommit(t *testing.T) {
	f := intercepttest.NewFacility()
	f.FailCommit = errors.New("commit refused")
	tbl := buildTable()

	require.Error(t, tbl.InstallAll(f))
	for _, r := range tbl.Records() {
		assert.False(t, r.Redirected(), "%s", r)
	}
}
