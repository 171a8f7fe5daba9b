package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// websocketMessage is one frame handed from the reader goroutine to the processor.
// A non-nil Err ends the connection; it is queued behind the frames read before it.
type websocketMessage struct {
	MessageType int
	Data        []byte // copied, ReadMessage may reuse its buffer
	ReceivedAt  time.Time
	Err         error
}

// State is the lifecycle state of one channel connection
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}

// Inbound envelope types
const (
	TypeHeartbeat             = "heartbeat"
	TypeHeartbeatResponse     = "heartbeat_response"
	TypeNotification          = "notification"
	TypeNewNotification       = "new_notification"
	TypeNotificationCount     = "notification_count"
	TypeNotificationRead      = "notification_read"
	TypeNotificationsRead     = "notifications_read"
	TypeOrderUpdate           = "order_update"
	TypeOrderStatusChange     = "order_status_change"
	TypePaymentUpdate         = "payment_update"
	TypeCODAlert              = "cod_alert"
	TypeOrderConfirmed        = "order_confirmed"
	TypeDeliveryUpdate        = "delivery_update"
	TypeSubscriptionConfirmed = "subscription_confirmed"
	TypeSubscriptionError     = "subscription_error"
)

// Outbound envelope types
const (
	TypeSubscribeOrder           = "subscribe_order"
	TypeUnsubscribeOrder         = "unsubscribe_order"
	TypeSubscribeUserOrders      = "subscribe_user_orders"
	TypeSubscribeCODAlerts       = "subscribe_cod_alerts"
	TypeMarkNotificationRead     = "mark_notification_read"
	TypeMarkAllNotificationsRead = "mark_all_notifications_read"
	TypeOrderAction              = "order_action"
)

// Envelope is an inbound message. Feature fields are either flat next to
// type or nested under payload; Decode reads both.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Outbound is the envelope written by the client
type Outbound struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"order_id,omitempty"`
	NotificationID string         `json:"notification_id,omitempty"`
	Action         string         `json:"action,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	Timestamp      int64          `json:"timestamp,omitempty"`
}

// ID accepts both JSON strings and numbers; backends disagree on which they send
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// SubscriptionKind names a server-side topic
type SubscriptionKind string

const (
	KindOrder      SubscriptionKind = "order"
	KindUserOrders SubscriptionKind = "user_orders"
	KindCODAlerts  SubscriptionKind = "cod_alerts"
)

// Descriptor identifies one subscription; OrderID is only set for KindOrder
type Descriptor struct {
	Kind    SubscriptionKind
	OrderID string
}

// Envelope returns the subscribe message replayed for this descriptor
func (d Descriptor) Envelope() Outbound {
	switch d.Kind {
	case KindOrder:
		return Outbound{Type: TypeSubscribeOrder, OrderID: d.OrderID}
	case KindUserOrders:
		return Outbound{Type: TypeSubscribeUserOrders}
	case KindCODAlerts:
		return Outbound{Type: TypeSubscribeCODAlerts}
	default:
		return Outbound{Type: "subscribe_" + string(d.Kind)}
	}
}

// AdminOnly reports topics the server only grants to admins
func (d Descriptor) AdminOnly() bool { return d.Kind == KindCODAlerts }

func (d Descriptor) String() string {
	if d.OrderID != "" {
		return string(d.Kind) + ":" + d.OrderID
	}
	return string(d.Kind)
}
