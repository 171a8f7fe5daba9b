package websocket

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storefront "github.com/bjoelf/storefront-realtime/adapter"
)

func newNotificationSocket(t *testing.T, sockOpts ...SocketOption) (*fixture, *NotificationSocket) {
	t.Helper()
	f := newFixture(t, storefront.RoleClient, fastOptions())
	ns := NewNotificationSocket(f.registry, f.session, nil, sockOpts...)
	require.NoError(t, ns.Start(context.Background()))
	f.waitConnected(t, EndpointNotifications, 1)
	return f, ns
}

// pushAndWait sends frames and waits until the socket has emitted n unread counts in total
func pushAndWait(t *testing.T, f *fixture, counts *recorder[int], n int, frames ...map[string]any) {
	t.Helper()
	for _, frame := range frames {
		f.backend.Push(EndpointNotifications, frame)
	}
	require.Eventually(t, func() bool { return counts.len() >= n }, time.Second, 5*time.Millisecond)
}

func TestNotificationSocket_NewNotificationsNewestFirst(t *testing.T) {
	f, ns := newNotificationSocket(t)
	var counts recorder[int]
	var received recorder[Notification]
	ns.OnUnreadCount(counts.add)
	ns.OnNotification(received.add)

	pushAndWait(t, f, &counts, 3,
		map[string]any{"type": "notification", "id": 1, "title": "Order shipped"},
		map[string]any{"type": "new_notification", "notification": map[string]any{"id": 2, "title": "Payment received"}},
		map[string]any{"type": "notification", "id": 3, "title": "Already seen", "is_read": true},
	)

	list := ns.Notifications()
	require.Len(t, list, 3)
	assert.Equal(t, []ID{"3", "2", "1"}, []ID{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, 2, ns.UnreadCount())
	assert.Equal(t, []int{1, 2, 2}, counts.all())
	assert.Equal(t, 3, received.len())
}

func TestNotificationSocket_DuplicateIsNotCountedTwice(t *testing.T) {
	f, ns := newNotificationSocket(t)
	var received recorder[Notification]
	ns.OnNotification(received.add)

	f.backend.Push(EndpointNotifications, map[string]any{"type": "notification", "id": 1, "title": "v1"})
	f.backend.Push(EndpointNotifications, map[string]any{"type": "notification", "id": 1, "title": "v2"})
	require.Eventually(t, func() bool { return received.len() == 2 }, time.Second, 5*time.Millisecond)

	list := ns.Notifications()
	require.Len(t, list, 1)
	assert.Equal(t, "v2", list[0].Title)
	assert.Equal(t, 1, ns.UnreadCount())
}

func TestNotificationSocket_CountIsServerAuthoritativeAndClamped(t *testing.T) {
	f, ns := newNotificationSocket(t)
	var counts recorder[int]
	ns.OnUnreadCount(counts.add)

	pushAndWait(t, f, &counts, 1, map[string]any{"type": "notification_count", "count": 7})
	assert.Equal(t, 7, ns.UnreadCount())

	pushAndWait(t, f, &counts, 2, map[string]any{"type": "notification_count", "unread_count": -4})
	assert.Equal(t, 0, ns.UnreadCount())
}

func TestNotificationSocket_ReadAcksNeverGoNegative(t *testing.T) {
	f, ns := newNotificationSocket(t)
	var counts recorder[int]
	var acks recorder[ReadAck]
	ns.OnUnreadCount(counts.add)
	ns.OnRead(acks.add)

	pushAndWait(t, f, &counts, 1, map[string]any{"type": "notification", "id": 1})
	require.Equal(t, 1, ns.UnreadCount())

	pushAndWait(t, f, &counts, 2, map[string]any{"type": "notification_read", "notification_id": 1})
	assert.Equal(t, 0, ns.UnreadCount())
	assert.True(t, ns.Notifications()[0].Read)

	// ack for a notification that was never cached, twice
	pushAndWait(t, f, &counts, 4,
		map[string]any{"type": "notification_read", "notification_id": 99},
		map[string]any{"type": "notification_read", "notification_id": 99},
	)
	assert.Equal(t, 0, ns.UnreadCount())
	for _, c := range counts.all() {
		assert.GreaterOrEqual(t, c, 0)
	}
	assert.Equal(t, ID("99"), acks.all()[2].ID)
}

func TestNotificationSocket_UnknownReadAckDecrementsOnce(t *testing.T) {
	f, ns := newNotificationSocket(t)
	var counts recorder[int]
	ns.OnUnreadCount(counts.add)

	pushAndWait(t, f, &counts, 1, map[string]any{"type": "notification_count", "count": 5})
	pushAndWait(t, f, &counts, 3,
		map[string]any{"type": "notification_read", "notification_id": "x"},
		map[string]any{"type": "notification_read", "notification_id": "x"},
	)
	assert.Equal(t, 4, ns.UnreadCount())

	// a server count on the ack wins
	pushAndWait(t, f, &counts, 4, map[string]any{"type": "notification_read", "notification_id": "y", "unread_count": 1})
	assert.Equal(t, 1, ns.UnreadCount())
}

func TestNotificationSocket_AllRead(t *testing.T) {
	f, ns := newNotificationSocket(t)
	var counts recorder[int]
	var acks recorder[ReadAck]
	ns.OnUnreadCount(counts.add)
	ns.OnRead(acks.add)

	pushAndWait(t, f, &counts, 2,
		map[string]any{"type": "notification", "id": 1},
		map[string]any{"type": "notification", "id": 2},
	)
	pushAndWait(t, f, &counts, 3, map[string]any{"type": "notifications_read"})

	assert.Equal(t, 0, ns.UnreadCount())
	for _, n := range ns.Notifications() {
		assert.True(t, n.Read)
	}
	require.Equal(t, 1, acks.len())
	assert.True(t, acks.all()[0].All)
}

func TestNotificationSocket_MarkAsReadSendsAndWaitsForAck(t *testing.T) {
	f, ns := newNotificationSocket(t)
	var counts recorder[int]
	ns.OnUnreadCount(counts.add)

	pushAndWait(t, f, &counts, 1, map[string]any{"type": "notification", "id": 1})
	require.Eventually(t, ns.Connected, time.Second, 5*time.Millisecond)

	assert.True(t, ns.MarkAsRead("1"))
	assert.True(t, ns.MarkAllAsRead())

	require.Eventually(t, func() bool {
		return len(f.backend.ReceivedOfType(EndpointNotifications, TypeMarkNotificationRead)) == 1 &&
			len(f.backend.ReceivedOfType(EndpointNotifications, TypeMarkAllNotificationsRead)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "1", f.backend.ReceivedOfType(EndpointNotifications, TypeMarkNotificationRead)[0].Fields["notification_id"])

	// nothing changes locally until the server acknowledges
	assert.Equal(t, 1, ns.UnreadCount())

	ns.Stop()
	assert.False(t, ns.MarkAsRead("1"))
}

func TestNotificationSocket_CapKeepsNewest(t *testing.T) {
	f, ns := newNotificationSocket(t, WithNotificationCap(2))
	var counts recorder[int]
	ns.OnUnreadCount(counts.add)

	pushAndWait(t, f, &counts, 3,
		map[string]any{"type": "notification", "id": 1},
		map[string]any{"type": "notification", "id": 2},
		map[string]any{"type": "notification", "id": 3},
	)

	list := ns.Notifications()
	require.Len(t, list, 2)
	assert.Equal(t, ID("3"), list[0].ID)
	assert.Equal(t, ID("2"), list[1].ID)
	assert.Equal(t, 3, ns.UnreadCount())

	ns.Reset()
	assert.Empty(t, ns.Notifications())
	assert.Zero(t, ns.UnreadCount())
}

func TestNotificationSocket_MalformedNotificationIsDropped(t *testing.T) {
	f, ns := newNotificationSocket(t)
	var counts recorder[int]
	var errs recorder[error]
	ns.OnUnreadCount(counts.add)
	ns.OnError(errs.add)

	f.backend.Push(EndpointNotifications, map[string]any{"type": "notification", "title": "no id"})
	f.backend.Push(EndpointNotifications, map[string]any{"type": "notification_count"})
	pushAndWait(t, f, &counts, 1, map[string]any{"type": "notification", "id": 5})

	assert.Equal(t, 1, ns.UnreadCount())
	require.Equal(t, 2, errs.len())
	var malformed *storefront.MalformedMessageError
	assert.ErrorAs(t, errs.all()[0], &malformed)
	assert.ErrorAs(t, errs.all()[1], &malformed)
}

func TestNotificationSocket_TerminalAlerter(t *testing.T) {
	var out syncBuffer
	f, _ := newNotificationSocket(t, WithAlerter(NewTerminalAlerter(&out)))

	f.backend.Push(EndpointNotifications, map[string]any{"type": "notification", "id": 1, "title": "Order shipped", "message": "ORD-1 is on its way"})

	require.Eventually(t, func() bool { return out.Len() > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "\a[notification] Order shipped: ORD-1 is on its way\n", out.String())
}

// syncBuffer guards a bytes.Buffer written from the alerter goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNotificationSocket_LogoutClearsCaches(t *testing.T) {
	f, ns := newNotificationSocket(t)
	logouts := storefront.NewEmitter[storefront.LogoutEvent]("logout", nil)
	ns.BindSession(logoutSource{logouts})
	var counts recorder[int]
	ns.OnUnreadCount(counts.add)

	pushAndWait(t, f, &counts, 1, map[string]any{"type": "notification", "id": 1, "title": "for the previous user"})
	require.Equal(t, 1, ns.UnreadCount())

	logouts.Emit(storefront.LogoutEvent{Reason: storefront.LogoutExpired})

	assert.Empty(t, ns.Notifications())
	assert.Zero(t, ns.UnreadCount())
	f.waitConnected(t, EndpointNotifications, 0)
}

func TestNotificationSocket_AckSetIsBounded(t *testing.T) {
	f, ns := newNotificationSocket(t, WithNotificationCap(2))
	var counts recorder[int]
	ns.OnUnreadCount(counts.add)

	pushAndWait(t, f, &counts, 4,
		map[string]any{"type": "notification_count", "count": 10},
		map[string]any{"type": "notification_read", "notification_id": "a"},
		map[string]any{"type": "notification_read", "notification_id": "b"},
		map[string]any{"type": "notification_read", "notification_id": "c"},
	)
	assert.Equal(t, 7, ns.UnreadCount())

	ns.mu.RLock()
	assert.Len(t, ns.acked, 2)
	assert.Equal(t, []ID{"b", "c"}, ns.ackOrder)
	ns.mu.RUnlock()
}

func TestNotificationSocket_AckBeforeNotificationIsCountedOnce(t *testing.T) {
	f, ns := newNotificationSocket(t)
	var counts recorder[int]
	ns.OnUnreadCount(counts.add)

	pushAndWait(t, f, &counts, 2,
		map[string]any{"type": "notification_count", "count": 3},
		map[string]any{"type": "notification_read", "notification_id": 7},
	)
	require.Equal(t, 2, ns.UnreadCount())

	pushAndWait(t, f, &counts, 3, map[string]any{"type": "notification", "id": 7, "title": "late"})

	assert.Equal(t, 2, ns.UnreadCount())
	list := ns.Notifications()
	require.Len(t, list, 1)
	assert.True(t, list[0].Read)

	ns.mu.RLock()
	assert.Empty(t, ns.acked)
	assert.Empty(t, ns.ackOrder)
	ns.mu.RUnlock()
}
