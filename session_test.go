package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentMessagesRingBound(t *testing.T) {
	sess := newSession("u1")
	for i := 0; i < 60; i++ {
		sess.pushMessage(WebhookEvent{MessageID: fmt.Sprintf("msg-%d", i)})
	}

	messages := sess.messages()
	require.Len(t, messages, recentMessagesCap)
	assert.Equal(t, "msg-59", messages[0].MessageID, "newest entry first")
	assert.Equal(t, "msg-10", messages[len(messages)-1].MessageID, "ten oldest evicted")
}

func TestRecentAcksRingBound(t *testing.T) {
	sess := newSession("u1")
	for i := 0; i < recentAcksCap+5; i++ {
		sess.pushAck(AckRecord{MessageID: fmt.Sprintf("ack-%d", i)})
	}
	snap := sess.snapshot()
	require.Len(t, snap.RecentAcks, recentAcksCap)
	assert.Equal(t, "ack-54", snap.RecentAcks[0].MessageID)
}

func TestSnapshotReflectsState(t *testing.T) {
	sess := newSession("u1")
	sess.update(func(s *Session) {
		s.state = StateQRPending
		s.qrDataURL = "data:image/png;base64,abc"
	})

	snap := sess.snapshot()
	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, StateQRPending, snap.State)
	assert.False(t, snap.Connected)
	assert.True(t, snap.HasQRCode)
	require.NotNil(t, snap.CreatedAt)
	require.NotNil(t, snap.UpdatedAt)
}

func TestDefaultStatusDoesNotRegister(t *testing.T) {
	registry := newSessionRegistry(time.Hour)

	snap := defaultStatus("ghost")
	assert.Equal(t, StateDisconnected, snap.State)
	assert.False(t, snap.Connected)
	assert.Equal(t, 0, registry.Len())
}

func TestRegistryGetOrCreateIsStable(t *testing.T) {
	registry := newSessionRegistry(time.Hour)
	a := registry.GetOrCreate("u1")
	b := registry.GetOrCreate("u1")
	assert.Same(t, a, b)
	assert.Equal(t, 1, registry.Len())
}

func TestRegistryIdleExpiry(t *testing.T) {
	registry := newSessionRegistry(10 * time.Millisecond)
	registry.GetOrCreate("u1")
	registry.MarkIdle("u1")

	time.Sleep(30 * time.Millisecond)
	_, found := registry.Get("u1")
	assert.False(t, found, "idle entry should expire")
}

func TestRegistryMarkActivePinsEntry(t *testing.T) {
	registry := newSessionRegistry(10 * time.Millisecond)
	registry.GetOrCreate("u1")
	registry.MarkIdle("u1")
	registry.MarkActive("u1")

	time.Sleep(30 * time.Millisecond)
	_, found := registry.Get("u1")
	assert.True(t, found, "active entry must not expire")
}
