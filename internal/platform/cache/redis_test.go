package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnectsAndChecks(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	assert.True(t, mr.Exists("k"))
	assert.NoError(t, Check(context.Background(), client))

	mr.Close()
	assert.Error(t, Check(context.Background(), client))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	mr.RequireAuth("hunter2")
	_, err = New(context.Background(), Options{Addr: mr.Addr(), Password: "wrong"})
	assert.Error(t, err)

	client, err := New(context.Background(), Options{Addr: mr.Addr(), Password: "hunter2"})
	require.NoError(t, err)
	_ = client.Close()
}

func TestCheckNilClient(t *testing.T) {
	assert.Error(t, Check(context.Background(), nil))
}
