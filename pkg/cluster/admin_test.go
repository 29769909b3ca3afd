package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/enrolld/pkg/keystore"
	"github.com/cuemby/enrolld/pkg/types"
)

func TestAdminServiceRemoveRejectsBadToken(t *testing.T) {
	ks := keystore.New()
	r, err := ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.1")}, "key-a", time.Hour, 0, 10, time.Now())
	require.NoError(t, err)

	admin := NewAdminService(ks)
	ok, err := admin.Remove(context.Background(), "wrong-token", r.ID)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestAdminServiceRemoveSucceedsWithToken(t *testing.T) {
	ks := keystore.New()
	r, err := ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.1")}, "key-a", time.Hour, 0, 10, time.Now())
	require.NoError(t, err)

	admin := NewAdminService(ks)
	ok, err := admin.Remove(context.Background(), admin.Token(), r.ID)
	assert.NoError(t, err)
	assert.True(t, ok)

	rec, found := ks.Lookup(r.ID)
	require.True(t, found)
	assert.True(t, rec.Removed)
}
