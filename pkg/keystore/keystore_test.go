package keystore

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/enrolld/pkg/types"
)

func TestInsertAssignsSequentialIDs(t *testing.T) {
	ks := New()
	now := time.Now()

	r1, err := ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.1")}, "key-a", time.Hour, 0, 10, now)
	require.NoError(t, err)
	r2, err := ks.Insert(types.EnrollmentIntent{Name: "agent-b", IP: net.ParseIP("10.0.0.2")}, "key-b", time.Hour, 0, 10, now)
	require.NoError(t, err)

	assert.Equal(t, "000", r1.ID)
	assert.Equal(t, "001", r2.ID)
	assert.Equal(t, 2, ks.Len())
}

func TestInsertRejectsDuplicateIPWithoutForce(t *testing.T) {
	ks := New()
	now := time.Now()

	_, err := ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.1")}, "key-a", time.Hour, 0, 10, now)
	require.NoError(t, err)

	_, err = ks.Insert(types.EnrollmentIntent{Name: "agent-a-again", IP: net.ParseIP("10.0.0.1")}, "key-c", time.Hour, 0, 10, now)
	var dup *DuplicateError
	assert.ErrorAs(t, err, &dup)
}

func TestForceInsertRefusedWhenExistingTooYoung(t *testing.T) {
	ks := New()
	now := time.Now()

	_, err := ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.1")}, "key-a", time.Hour, 0, 10, now)
	require.NoError(t, err)

	_, err = ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.1")}, "key-b", time.Hour, 0, 10, now.Add(time.Minute))
	assert.Error(t, err)
}

func TestForceInsertReplacesOldEnoughRecord(t *testing.T) {
	ks := New()
	now := time.Now()

	first, err := ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.1")}, "key-a", time.Hour, 0, 10, now)
	require.NoError(t, err)

	second, err := ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.1")}, "key-b", time.Hour, 0, 10, now.Add(2*time.Hour))
	require.NoError(t, err)

	reloaded, ok := ks.Lookup(first.ID)
	require.True(t, ok)
	assert.True(t, reloaded.Removed)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDetachAndReattachPreservesOrder(t *testing.T) {
	ks := New()
	now := time.Now()

	_, err := ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.1")}, "key-a", time.Hour, 0, 10, now)
	require.NoError(t, err)
	_, err = ks.Insert(types.EnrollmentIntent{Name: "agent-b", IP: net.ParseIP("10.0.0.2")}, "key-b", time.Hour, 0, 10, now)
	require.NoError(t, err)

	insert, backup, remove := ks.Detach()
	require.Len(t, insert, 2)
	assert.Empty(t, backup)
	assert.Empty(t, remove)

	// Simulate a failed flush: the batch goes back to the front.
	ks.Reattach(insert, backup, remove)

	_, err = ks.Insert(types.EnrollmentIntent{Name: "agent-c", IP: net.ParseIP("10.0.0.3")}, "key-c", time.Hour, 0, 10, now)
	require.NoError(t, err)

	insertAgain, _, _ := ks.Detach()
	require.Len(t, insertAgain, 3)
	assert.Equal(t, "agent-a", insertAgain[0].Record.Name)
	assert.Equal(t, "agent-c", insertAgain[2].Record.Name)
}

func TestRemoveTombstonesAndQueues(t *testing.T) {
	ks := New()
	now := time.Now()

	r, err := ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.1")}, "key-a", time.Hour, 0, 10, now)
	require.NoError(t, err)
	ks.Detach() // drain the insert so only the remove shows up next

	assert.True(t, ks.Remove(r.ID, now))
	assert.False(t, ks.Remove(r.ID, now), "removing twice reports no-op")

	_, backup, remove := ks.Detach()
	assert.Empty(t, backup)
	require.Len(t, remove, 1)
	assert.Equal(t, r.ID, remove[0].RecordID)

	_, ok := ks.LookupByIP("10.0.0.1")
	assert.False(t, ok)
}

func TestWaitForPendingWakesOnEnqueue(t *testing.T) {
	ks := New()
	done := make(chan bool, 1)
	go func() {
		done <- ks.WaitForPending()
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := ks.Insert(types.EnrollmentIntent{Name: "agent-a", IP: net.ParseIP("10.0.0.9")}, "key", time.Hour, 0, 10, time.Now())
	require.NoError(t, err)

	select {
	case woke := <-done:
		assert.True(t, woke)
	case <-time.After(time.Second):
		t.Fatal("WaitForPending did not wake up after an insert")
	}
}

func TestWaitForPendingWakesOnStop(t *testing.T) {
	ks := New()
	done := make(chan bool, 1)
	go func() {
		done <- ks.WaitForPending()
	}()

	time.Sleep(10 * time.Millisecond)
	ks.Stop()

	select {
	case woke := <-done:
		assert.False(t, woke)
	case <-time.After(time.Second):
		t.Fatal("WaitForPending did not wake up after Stop")
	}
}
