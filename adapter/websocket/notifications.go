package websocket

import (
	"errors"
	"log/slog"
	"sync"

	storefront "github.com/bjoelf/storefront-realtime/adapter"
)

const defaultNotificationCap = 100

var errMissingCount = errors.New("notification_count has no count")

// NotificationSocket is the feature socket for /notifications/.
// It caches notifications newest first and the unread count, which never goes below zero.
type NotificationSocket struct {
	*Multiplexer

	mu            sync.RWMutex
	notifications []Notification
	unread        int
	acked         map[ID]struct{} // ids acknowledged without being cached, so replays do not decrement twice
	ackOrder      []ID            // oldest first; bounded by limit
	limit         int

	newNotifications *storefront.Emitter[Notification]
	unreadCounts     *storefront.Emitter[int]
	readAcks         *storefront.Emitter[ReadAck]
}

// NewNotificationSocket creates the /notifications/ socket
func NewNotificationSocket(registry *Registry, users storefront.UserReader, logger *slog.Logger, opts ...SocketOption) *NotificationSocket {
	mux := NewMultiplexer(registry, EndpointNotifications, users, logger, opts...)
	cfg := buildSocketConfig(opts)

	ns := &NotificationSocket{
		Multiplexer:      mux,
		acked:            make(map[ID]struct{}),
		limit:            cfg.notificationCap,
		newNotifications: storefront.NewEmitter[Notification]("notification", mux.logger),
		unreadCounts:     storefront.NewEmitter[int]("unread_count", mux.logger),
		readAcks:         storefront.NewEmitter[ReadAck]("notification_read", mux.logger),
	}

	mux.router.handle([]string{TypeNotification, TypeNewNotification}, ns.handleNotification)
	mux.router.handle([]string{TypeNotificationCount}, ns.handleCount)
	mux.router.handle([]string{TypeNotificationRead}, ns.handleRead)
	mux.router.handle([]string{TypeNotificationsRead}, ns.handleAllRead)
	mux.onReset = ns.Reset
	return ns
}

// MarkAsRead asks the server to mark one notification read.
// The cache changes when the server acknowledges.
func (ns *NotificationSocket) MarkAsRead(id string) bool {
	return ns.Send(Outbound{Type: TypeMarkNotificationRead, NotificationID: id})
}

// MarkAllAsRead asks the server to mark every notification read
func (ns *NotificationSocket) MarkAllAsRead() bool {
	return ns.Send(Outbound{Type: TypeMarkAllNotificationsRead})
}

// Notifications returns the cached notifications, newest first
func (ns *NotificationSocket) Notifications() []Notification {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]Notification, len(ns.notifications))
	copy(out, ns.notifications)
	return out
}

// UnreadCount returns the cached unread count
func (ns *NotificationSocket) UnreadCount() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.unread
}

// OnNotification receives every pushed notification, including updates to cached ones
func (ns *NotificationSocket) OnNotification(fn func(Notification)) func() {
	return ns.newNotifications.Subscribe(fn)
}

// OnUnreadCount receives the unread count after each change
func (ns *NotificationSocket) OnUnreadCount(fn func(int)) func() {
	return ns.unreadCounts.Subscribe(fn)
}

// OnRead receives server read acknowledgements
func (ns *NotificationSocket) OnRead(fn func(ReadAck)) func() {
	return ns.readAcks.Subscribe(fn)
}

// Reset drops the caches, e.g. after logout
func (ns *NotificationSocket) Reset() {
	ns.mu.Lock()
	ns.notifications = nil
	ns.unread = 0
	ns.acked = make(map[ID]struct{})
	ns.ackOrder = nil
	ns.mu.Unlock()
}

func (ns *NotificationSocket) handleNotification(env Envelope) error {
	n, err := decodeNotification(env)
	if err != nil {
		return err
	}

	ns.mu.Lock()
	if ns.forgetAck(n.ID) {
		// the read ack arrived first and was already counted
		n.Read = true
	}
	duplicate := false
	for i, existing := range ns.notifications {
		if existing.ID == n.ID {
			ns.notifications[i] = n
			duplicate = true
			break
		}
	}
	if !duplicate {
		ns.notifications = append([]Notification{n}, ns.notifications...)
		if len(ns.notifications) > ns.limit {
			ns.notifications = ns.notifications[:ns.limit]
		}
		if !n.Read {
			ns.unread++
		}
	}
	unread := ns.unread
	ns.mu.Unlock()

	ns.newNotifications.Emit(n)
	if !duplicate {
		ns.unreadCounts.Emit(unread)
		ns.alert(Alert{Kind: TypeNotification, Title: n.Title, Body: n.Message, Sound: true})
	}
	return nil
}

func (ns *NotificationSocket) handleCount(env Envelope) error {
	count, ok, err := decodeCount(env)
	if err != nil {
		return err
	}
	if !ok {
		return errMissingCount
	}

	ns.mu.Lock()
	ns.unread = clampZero(count)
	unread := ns.unread
	ns.mu.Unlock()

	ns.unreadCounts.Emit(unread)
	return nil
}

func (ns *NotificationSocket) handleRead(env Envelope) error {
	id, err := decodeReadID(env)
	if err != nil {
		return err
	}
	serverCount, hasCount, err := decodeCount(env)
	if err != nil {
		return err
	}

	ns.mu.Lock()
	found := false
	for i := range ns.notifications {
		if ns.notifications[i].ID != id {
			continue
		}
		found = true
		if !ns.notifications[i].Read {
			ns.notifications[i].Read = true
			ns.unread = clampZero(ns.unread - 1)
		}
		break
	}
	if !found {
		if ns.rememberAck(id) {
			ns.unread = clampZero(ns.unread - 1)
		}
	}
	if hasCount {
		ns.unread = clampZero(serverCount)
	}
	unread := ns.unread
	ns.mu.Unlock()

	ns.readAcks.Emit(ReadAck{ID: id, UnreadCount: unread})
	ns.unreadCounts.Emit(unread)
	return nil
}

func (ns *NotificationSocket) handleAllRead(env Envelope) error {
	serverCount, hasCount, err := decodeCount(env)
	if err != nil {
		return err
	}

	ns.mu.Lock()
	for i := range ns.notifications {
		ns.notifications[i].Read = true
	}
	ns.unread = 0
	if hasCount {
		ns.unread = clampZero(serverCount)
	}
	unread := ns.unread
	ns.mu.Unlock()

	ns.readAcks.Emit(ReadAck{All: true, UnreadCount: unread})
	ns.unreadCounts.Emit(unread)
	return nil
}

// rememberAck records an ack for an uncached id and reports whether it is new.
// Caller holds ns.mu.
func (ns *NotificationSocket) rememberAck(id ID) bool {
	if _, seen := ns.acked[id]; seen {
		return false
	}
	ns.acked[id] = struct{}{}
	ns.ackOrder = append(ns.ackOrder, id)
	if len(ns.ackOrder) > ns.limit {
		delete(ns.acked, ns.ackOrder[0])
		ns.ackOrder = ns.ackOrder[1:]
	}
	return true
}

// forgetAck drops id from the ack set. Caller holds ns.mu.
func (ns *NotificationSocket) forgetAck(id ID) bool {
	if _, seen := ns.acked[id]; !seen {
		return false
	}
	delete(ns.acked, id)
	for i, acked := range ns.ackOrder {
		if acked == id {
			ns.ackOrder = append(ns.ackOrder[:i], ns.ackOrder[i+1:]...)
			break
		}
	}
	return true
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
