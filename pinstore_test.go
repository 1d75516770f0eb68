package bpfcov_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/stretchr/testify/require"

	"github.com/bpfcov/bpfcov"
)

var allRoles = []bpfcov.MapRole{bpfcov.RoleCounters, bpfcov.RoleData, bpfcov.RoleNames, bpfcov.RoleHeader}

func TestPinStoreReconcile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := bpfcov.NewRegistry(t.TempDir(), "raw.bcov.out")
	store := bpfcov.NewPinStore(reg, slogtest.Make(t, nil))

	require.NoError(t, store.Reconcile(ctx))

	info, err := os.Stat(reg.ProgramRoot())
	require.NoError(t, err)
	require.True(t, info.IsDir(), "program root should be a directory")
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm(), "pins are private to the owner")
}

func TestPinStoreReconcileRemovesStalePins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := bpfcov.NewRegistry(t.TempDir(), "raw.bcov.out")
	store := bpfcov.NewPinStore(reg, slogtest.Make(t, nil))

	// Leave stale pins behind, as if a previous run was never cleaned up.
	require.NoError(t, os.MkdirAll(reg.ProgramRoot(), 0o700))
	for _, role := range allRoles {
		require.NoError(t, os.WriteFile(reg.Path(role), []byte("stale"), 0o600))
	}

	require.NoError(t, store.Reconcile(ctx))
	for _, role := range allRoles {
		_, err := os.Stat(reg.Path(role))
		require.True(t, os.IsNotExist(err), "stale pin %q should be removed", reg.Path(role))
	}

	// A reconciled namespace has no pins, so requiring them must fail.
	err := store.RequireAll(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), reg.Path(bpfcov.RoleCounters))
}

func TestPinStoreReconcileIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := bpfcov.NewRegistry(t.TempDir(), "raw.bcov.out")
	store := bpfcov.NewPinStore(reg, slogtest.Make(t, nil))

	require.NoError(t, store.Reconcile(ctx))
	require.NoError(t, store.Reconcile(ctx), "reconciling an already clean namespace is not an error")
}

func TestPinStoreReconcileReportsUnremovablePins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := bpfcov.NewRegistry(t.TempDir(), "raw.bcov.out")
	store := bpfcov.NewPinStore(reg, slogtest.Make(t, nil))

	// Occupy two pin paths with non-empty directories, which os.Remove
	// cannot take out, and leave ordinary stale pins at the other two.
	for _, role := range []bpfcov.MapRole{bpfcov.RoleCounters, bpfcov.RoleData} {
		require.NoError(t, os.MkdirAll(filepath.Join(reg.Path(role), "occupant"), 0o700))
	}
	for _, role := range []bpfcov.MapRole{bpfcov.RoleNames, bpfcov.RoleHeader} {
		require.NoError(t, os.WriteFile(reg.Path(role), []byte("stale"), 0o600))
	}

	err := store.Reconcile(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), reg.Path(bpfcov.RoleCounters), "every failed unpin should be named")
	require.Contains(t, err.Error(), reg.Path(bpfcov.RoleData), "every failed unpin should be named")

	// One stuck pin must not stop the others from being removed.
	for _, role := range []bpfcov.MapRole{bpfcov.RoleNames, bpfcov.RoleHeader} {
		_, statErr := os.Stat(reg.Path(role))
		require.True(t, os.IsNotExist(statErr), "stale pin %q should still be removed", reg.Path(role))
	}
}

func TestPinStoreRequireAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := bpfcov.NewRegistry(t.TempDir(), "raw.bcov.out")
	store := bpfcov.NewPinStore(reg, slogtest.Make(t, nil))

	require.NoError(t, os.MkdirAll(reg.ProgramRoot(), 0o700))
	for _, role := range allRoles {
		require.NoError(t, os.WriteFile(reg.Path(role), []byte("pin"), 0o600))
	}
	require.NoError(t, store.RequireAll(ctx))

	// Knock out one pin and the error must name its path but not the
	// others.
	require.NoError(t, os.Remove(reg.Path(bpfcov.RoleNames)))
	err := store.RequireAll(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), reg.Path(bpfcov.RoleNames))
	require.NotContains(t, err.Error(), reg.Path(bpfcov.RoleCounters))
}

func TestPinStoreRequireAllReportsEveryMissingPin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := bpfcov.NewRegistry(t.TempDir(), "raw.bcov.out")
	store := bpfcov.NewPinStore(reg, slogtest.Make(t, nil))

	require.NoError(t, store.Reconcile(ctx))

	err := store.RequireAll(ctx)
	require.Error(t, err)
	for _, role := range allRoles {
		require.Contains(t, err.Error(), reg.Path(role), "error should name the missing %s pin", role)
	}
}
