package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ParseEnvelope decodes an inbound frame. The frame must be a JSON object with a non-empty type.
func ParseEnvelope(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, errors.New("envelope is not a JSON object")
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("envelope has no type")
	}

	env.Raw = append(json.RawMessage(nil), trimmed...)
	return env, nil
}

// Decode fills v from the flat envelope fields, then overlays payload when it is an object
func (e Envelope) Decode(v any) error {
	if len(e.Raw) > 0 {
		if err := json.Unmarshal(e.Raw, v); err != nil {
			return fmt.Errorf("failed to decode %s envelope: %w", e.Type, err)
		}
	}
	payload := bytes.TrimSpace(e.Payload)
	if len(payload) > 0 && payload[0] == '{' {
		if err := json.Unmarshal(payload, v); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
		}
	}
	return nil
}

// String provides a debug representation
func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{Type:%s, Size:%d}", e.Type, len(e.Raw))
}

// Notification is one user notification
type Notification struct {
	ID        ID              `json:"id"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Kind      string          `json:"notification_type,omitempty"`
	Read      bool            `json:"is_read,omitempty"`
	CreatedAt string          `json:"created_at,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadAck reports notifications acknowledged as read by the server.
// All is set for notifications_read; ID is empty then.
type ReadAck struct {
	ID          ID
	All         bool
	UnreadCount int
}

// OrderEvent is any order-scoped push. Fields a type does not carry stay empty.
type OrderEvent struct {
	Type           string          `json:"type"`
	OrderID        ID              `json:"order_id"`
	OrderNumber    string          `json:"order_number,omitempty"`
	Status         string          `json:"status,omitempty"`
	OldStatus      string          `json:"old_status,omitempty"`
	NewStatus      string          `json:"new_status,omitempty"`
	PaymentStatus  string          `json:"payment_status,omitempty"`
	DeliveryStatus string          `json:"delivery_status,omitempty"`
	Message        string          `json:"message,omitempty"`
	Raw            json.RawMessage `json:"-"`
}

// CODAlert is a cash-on-delivery alert pushed to admins
type CODAlert struct {
	OrderID     ID              `json:"order_id"`
	OrderNumber string          `json:"order_number,omitempty"`
	Amount      json.RawMessage `json:"amount,omitempty"`
	Customer    string          `json:"customer_name,omitempty"`
	Message     string          `json:"message,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// SubscriptionAck is a subscription_confirmed or subscription_error reply
type SubscriptionAck struct {
	Type         string `json:"type"`
	Subscription string `json:"subscription,omitempty"`
	OrderID      ID     `json:"order_id,omitempty"`
	Message      string `json:"message,omitempty"`
	OK           bool   `json:"-"`
}

func decodeNotification(env Envelope) (Notification, error) {
	var wrapped struct {
		Notification *Notification `json:"notification"`
	}
	if err := env.Decode(&wrapped); err != nil {
		return Notification{}, err
	}

	var n Notification
	if wrapped.Notification != nil {
		n = *wrapped.Notification
	} else if err := env.Decode(&n); err != nil {
		return Notification{}, err
	}
	if n.ID == "" {
		return Notification{}, errors.New("notification has no id")
	}
	return n, nil
}

// decodeCount reads count or unread_count; ok is false when neither is present
func decodeCount(env Envelope) (int, bool, error) {
	var c struct {
		Count       *int `json:"count"`
		UnreadCount *int `json:"unread_count"`
	}
	if err := env.Decode(&c); err != nil {
		return 0, false, err
	}
	switch {
	case c.UnreadCount != nil:
		return *c.UnreadCount, true, nil
	case c.Count != nil:
		return *c.Count, true, nil
	}
	return 0, false, nil
}

func decodeReadID(env Envelope) (ID, error) {
	var r struct {
		NotificationID ID `json:"notification_id"`
		ID             ID `json:"id"`
	}
	if err := env.Decode(&r); err != nil {
		return "", err
	}
	if r.NotificationID != "" {
		return r.NotificationID, nil
	}
	if r.ID != "" {
		return r.ID, nil
	}
	return "", errors.New("read acknowledgement has no notification id")
}

// orderBody is the nested {"order": {...}} form some backends send
type orderBody struct {
	ID             ID     `json:"id"`
	OrderID        ID     `json:"order_id"`
	OrderNumber    string `json:"order_number"`
	Status         string `json:"status"`
	PaymentStatus  string `json:"payment_status"`
	DeliveryStatus string `json:"delivery_status"`
}

func decodeOrderEvent(env Envelope) (OrderEvent, error) {
	var ev OrderEvent
	if err := env.Decode(&ev); err != nil {
		return OrderEvent{}, err
	}

	var wrapped struct {
		Order *orderBody `json:"order"`
	}
	if err := env.Decode(&wrapped); err != nil {
		return OrderEvent{}, err
	}
	if o := wrapped.Order; o != nil {
		if ev.OrderID == "" {
			ev.OrderID = o.OrderID
		}
		if ev.OrderID == "" {
			ev.OrderID = o.ID
		}
		ev.OrderNumber = firstNonEmpty(ev.OrderNumber, o.OrderNumber)
		ev.Status = firstNonEmpty(ev.Status, o.Status)
		ev.PaymentStatus = firstNonEmpty(ev.PaymentStatus, o.PaymentStatus)
		ev.DeliveryStatus = firstNonEmpty(ev.DeliveryStatus, o.DeliveryStatus)
	}

	ev.Type = env.Type
	if ev.OrderID == "" {
		return OrderEvent{}, errors.New("order event has no order_id")
	}
	ev.Raw = env.Raw
	return ev, nil
}

func decodeCODAlert(env Envelope) (CODAlert, error) {
	var a CODAlert
	if err := env.Decode(&a); err != nil {
		return CODAlert{}, err
	}
	a.Raw = env.Raw
	return a, nil
}

func decodeSubscriptionAck(env Envelope) (SubscriptionAck, error) {
	var ack SubscriptionAck
	if err := env.Decode(&ack); err != nil {
		return SubscriptionAck{}, err
	}
	ack.Type = env.Type
	ack.OK = env.Type == TypeSubscriptionConfirmed
	return ack, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
