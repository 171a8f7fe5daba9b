package websocket

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	storefront "github.com/bjoelf/storefront-realtime/adapter"
)

// ErrNotConnected is returned by actions that cannot be queued for replay
var ErrNotConnected = errors.New("channel is not open")

// OrderSnapshot is the latest known state of one order. Each push overwrites
// the fields it carries; there is no ordering across reconnects.
type OrderSnapshot struct {
	OrderID        string
	OrderNumber    string
	Status         string
	PaymentStatus  string
	DeliveryStatus string
	LastEvent      string
	UpdatedAt      time.Time
}

// OrderSocket is the feature socket for /orders/
type OrderSocket struct {
	*Multiplexer

	mu     sync.RWMutex
	orders map[string]OrderSnapshot

	orderUpdates    *storefront.Emitter[OrderEvent]
	statusChanges   *storefront.Emitter[OrderEvent]
	paymentUpdates  *storefront.Emitter[OrderEvent]
	deliveryUpdates *storefront.Emitter[OrderEvent]
	confirmations   *storefront.Emitter[OrderEvent]
	codAlerts       *storefront.Emitter[CODAlert]
	subscriptionAck *storefront.Emitter[SubscriptionAck]
}

// NewOrderSocket creates the /orders/ socket. users scopes the admin-only actions; nil denies them.
func NewOrderSocket(registry *Registry, users storefront.UserReader, logger *slog.Logger, opts ...SocketOption) *OrderSocket {
	mux := NewMultiplexer(registry, EndpointOrders, users, logger, opts...)

	o := &OrderSocket{
		Multiplexer:     mux,
		orders:          make(map[string]OrderSnapshot),
		orderUpdates:    storefront.NewEmitter[OrderEvent]("order_update", mux.logger),
		statusChanges:   storefront.NewEmitter[OrderEvent]("order_status_change", mux.logger),
		paymentUpdates:  storefront.NewEmitter[OrderEvent]("payment_update", mux.logger),
		deliveryUpdates: storefront.NewEmitter[OrderEvent]("delivery_update", mux.logger),
		confirmations:   storefront.NewEmitter[OrderEvent]("order_confirmed", mux.logger),
		codAlerts:       storefront.NewEmitter[CODAlert]("cod_alert", mux.logger),
		subscriptionAck: storefront.NewEmitter[SubscriptionAck]("subscription_ack", mux.logger),
	}

	mux.router.handle([]string{
		TypeOrderUpdate,
		TypeOrderStatusChange,
		TypePaymentUpdate,
		TypeOrderConfirmed,
		TypeDeliveryUpdate,
	}, o.handleOrderEvent)
	mux.router.handle([]string{TypeCODAlert}, o.handleCODAlert)
	mux.onReset = o.Reset
	mux.router.handle([]string{TypeSubscriptionConfirmed, TypeSubscriptionError}, o.handleSubscriptionAck)
	return o
}

// SubscribeOrder follows one order
func (o *OrderSocket) SubscribeOrder(orderID string) error {
	if orderID == "" {
		return errors.New("order id is required")
	}
	return o.subscribe(Descriptor{Kind: KindOrder, OrderID: orderID})
}

// UnsubscribeOrder stops following one order
func (o *OrderSocket) UnsubscribeOrder(orderID string) error {
	if orderID == "" {
		return errors.New("order id is required")
	}
	o.unsubscribe(Descriptor{Kind: KindOrder, OrderID: orderID},
		Outbound{Type: TypeUnsubscribeOrder, OrderID: orderID})
	return nil
}

// SubscribeUserOrders follows every order of the current user
func (o *OrderSocket) SubscribeUserOrders() error {
	return o.subscribe(Descriptor{Kind: KindUserOrders})
}

// SubscribeCODAlerts follows cash-on-delivery alerts. Admin only.
func (o *OrderSocket) SubscribeCODAlerts() error {
	return o.subscribe(Descriptor{Kind: KindCODAlerts})
}

// SendOrderAction sends an admin action such as "confirm" or "cancel" for an order.
// Actions are not replayed, so a closed channel returns ErrNotConnected.
func (o *OrderSocket) SendOrderAction(orderID, action string, params map[string]any) error {
	if err := o.requireAdmin(); err != nil {
		return err
	}
	if orderID == "" || action == "" {
		return errors.New("order id and action are required")
	}
	if !o.Send(Outbound{Type: TypeOrderAction, OrderID: orderID, Action: action, Params: params}) {
		return ErrNotConnected
	}
	return nil
}

// OrderUpdates returns a copy of the snapshot cache keyed by order id
func (o *OrderSocket) OrderUpdates() map[string]OrderSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]OrderSnapshot, len(o.orders))
	for k, v := range o.orders {
		out[k] = v
	}
	return out
}

// OrderUpdate returns the latest snapshot for one order
func (o *OrderSocket) OrderUpdate(orderID string) (OrderSnapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.orders[orderID]
	return s, ok
}

// OnOrderUpdate receives every order-scoped push
func (o *OrderSocket) OnOrderUpdate(fn func(OrderEvent)) func() {
	return o.orderUpdates.Subscribe(fn)
}

// OnStatusChange receives order_status_change pushes
func (o *OrderSocket) OnStatusChange(fn func(OrderEvent)) func() {
	return o.statusChanges.Subscribe(fn)
}

// OnPaymentUpdate receives payment_update pushes
func (o *OrderSocket) OnPaymentUpdate(fn func(OrderEvent)) func() {
	return o.paymentUpdates.Subscribe(fn)
}

// OnDeliveryUpdate receives delivery_update pushes
func (o *OrderSocket) OnDeliveryUpdate(fn func(OrderEvent)) func() {
	return o.deliveryUpdates.Subscribe(fn)
}

// OnOrderConfirmed receives order_confirmed pushes
func (o *OrderSocket) OnOrderConfirmed(fn func(OrderEvent)) func() {
	return o.confirmations.Subscribe(fn)
}

// OnCODAlert receives cash-on-delivery alerts (admin sessions only)
func (o *OrderSocket) OnCODAlert(fn func(CODAlert)) func() {
	return o.codAlerts.Subscribe(fn)
}

// OnSubscriptionAck receives subscription_confirmed and subscription_error replies
func (o *OrderSocket) OnSubscriptionAck(fn func(SubscriptionAck)) func() {
	return o.subscriptionAck.Subscribe(fn)
}

// Reset drops the snapshot cache and the subscription set, e.g. after logout
func (o *OrderSocket) Reset() {
	o.mu.Lock()
	o.orders = make(map[string]OrderSnapshot)
	o.mu.Unlock()
	o.subs.clear()
}

func (o *OrderSocket) handleOrderEvent(env Envelope) error {
	ev, err := decodeOrderEvent(env)
	if err != nil {
		return err
	}

	o.mu.Lock()
	snap := o.orders[ev.OrderID.String()]
	snap.OrderID = ev.OrderID.String()
	snap.OrderNumber = firstNonEmpty(ev.OrderNumber, snap.OrderNumber)
	switch ev.Type {
	case TypeOrderStatusChange:
		snap.Status = firstNonEmpty(ev.NewStatus, ev.Status, snap.Status)
	case TypeOrderConfirmed:
		snap.Status = firstNonEmpty(ev.Status, "confirmed")
	case TypeDeliveryUpdate:
		snap.DeliveryStatus = firstNonEmpty(ev.DeliveryStatus, ev.Status, snap.DeliveryStatus)
	case TypePaymentUpdate:
		snap.PaymentStatus = firstNonEmpty(ev.PaymentStatus, ev.Status, snap.PaymentStatus)
	default:
		snap.Status = firstNonEmpty(ev.Status, ev.NewStatus, snap.Status)
		snap.PaymentStatus = firstNonEmpty(ev.PaymentStatus, snap.PaymentStatus)
		snap.DeliveryStatus = firstNonEmpty(ev.DeliveryStatus, snap.DeliveryStatus)
	}
	snap.LastEvent = ev.Type
	snap.UpdatedAt = time.Now()
	o.orders[snap.OrderID] = snap
	o.mu.Unlock()

	o.orderUpdates.Emit(ev)
	switch ev.Type {
	case TypeOrderStatusChange:
		o.statusChanges.Emit(ev)
		o.alert(Alert{Kind: TypeOrderStatusChange, Title: "Order " + snap.OrderID, Body: ev.OldStatus + " -> " + snap.Status})
	case TypePaymentUpdate:
		o.paymentUpdates.Emit(ev)
	case TypeDeliveryUpdate:
		o.deliveryUpdates.Emit(ev)
	case TypeOrderConfirmed:
		o.confirmations.Emit(ev)
	}
	return nil
}

func (o *OrderSocket) handleCODAlert(env Envelope) error {
	alert, err := decodeCODAlert(env)
	if err != nil {
		return err
	}
	o.codAlerts.Emit(alert)
	o.alert(Alert{Kind: TypeCODAlert, Title: "COD order " + firstNonEmpty(alert.OrderNumber, alert.OrderID.String()), Body: alert.Message, Sound: true})
	return nil
}

func (o *OrderSocket) handleSubscriptionAck(env Envelope) error {
	ack, err := decodeSubscriptionAck(env)
	if err != nil {
		return err
	}
	if !ack.OK {
		o.logger.Warn("Subscription rejected by server",
			"function", "handleSubscriptionAck",
			"subscription", ack.Subscription,
			"order_id", ack.OrderID,
			"message", ack.Message)
	}
	o.subscriptionAck.Emit(ack)
	return nil
}
