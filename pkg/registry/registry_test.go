package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegistry_AddAndGet(t *testing.T) {
	t.Parallel()

	r := openRegistry(t)
	ctx := context.Background()

	added, err := r.Add(ctx, "device-a", "laptop", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, "device-a", added.DeviceID)
	assert.NotEqual(t, "hunter2hunter2", added.SecretHash)
	assert.False(t, added.CreatedAt.IsZero())

	got, err := r.Get(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, added.SecretHash, got.SecretHash)
}

func TestRegistry_AddRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := openRegistry(t)
	ctx := context.Background()

	_, err := r.Add(ctx, "device-a", "", "hunter2hunter2")
	require.NoError(t, err)

	_, err = r.Add(ctx, "device-a", "", "other-secret")
	assert.ErrorIs(t, err, ErrDuplicateDevice)
}

func TestRegistry_SecretLengthBounds(t *testing.T) {
	t.Parallel()

	r := openRegistry(t)
	ctx := context.Background()

	_, err := r.Add(ctx, "device-a", "", "short")
	assert.ErrorIs(t, err, ErrSecretTooShort)

	long := make([]byte, 73)
	for i := range long {
		long[i] = 'x'
	}
	_, err = r.Add(ctx, "device-a", "", string(long))
	assert.ErrorIs(t, err, ErrSecretTooLong)
}

func TestRegistry_Authenticate(t *testing.T) {
	t.Parallel()

	r := openRegistry(t)
	ctx := context.Background()

	_, err := r.Add(ctx, "device-a", "", "correct horse battery")
	require.NoError(t, err)

	device, err := r.Authenticate(ctx, "device-a", "correct horse battery")
	require.NoError(t, err)
	assert.False(t, device.LastSeenAt.IsZero())

	_, err = r.Authenticate(ctx, "device-a", "wrong secret")
	assert.ErrorIs(t, err, ErrBadCredentials)

	// Unknown devices look exactly like wrong secrets.
	_, err = r.Authenticate(ctx, "device-z", "correct horse battery")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestRegistry_ListAndRemove(t *testing.T) {
	t.Parallel()

	r := openRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"device-a", "device-b", "device-c"} {
		_, err := r.Add(ctx, id, "", "hunter2hunter2")
		require.NoError(t, err)
	}

	devices, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 3)

	require.NoError(t, r.Remove(ctx, "device-b"))
	devices, err = r.List(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.ErrorIs(t, r.Remove(ctx, "device-b"), ErrDeviceNotFound)
}

func TestRegistry_SurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	r, err := Open(dir)
	require.NoError(t, err)
	_, err = r.Add(ctx, "device-a", "laptop", "hunter2hunter2")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = Open(dir)
	require.NoError(t, err)
	defer r.Close()

	device, err := r.Authenticate(ctx, "device-a", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, "laptop", device.Name)
}
