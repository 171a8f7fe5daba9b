package websocket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(` {"type":"order_update","order_id":12} `))
	require.NoError(t, err)
	assert.Equal(t, TypeOrderUpdate, env.Type)
	assert.JSONEq(t, `{"type":"order_update","order_id":12}`, string(env.Raw))

	for _, bad := range []string{"", "null", "[1,2]", `"text"`, `{"payload":{}}`, `{"type":`} {
		_, err := ParseEnvelope([]byte(bad))
		assert.Error(t, err, "frame %q", bad)
	}
}

func TestEnvelopeDecode_PayloadOverridesFlatFields(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"payment_update","order_id":"A1","status":"pending","payload":{"status":"paid"}}`))
	require.NoError(t, err)

	ev, err := decodeOrderEvent(env)
	require.NoError(t, err)
	assert.Equal(t, ID("A1"), ev.OrderID)
	assert.Equal(t, "paid", ev.Status)
	assert.Equal(t, TypePaymentUpdate, ev.Type)
}

func TestDecodeOrderEvent_NestedOrder(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"order_update","order":{"id":99,"order_number":"ORD-99","status":"shipped","delivery_status":"in_transit"}}`))
	require.NoError(t, err)

	ev, err := decodeOrderEvent(env)
	require.NoError(t, err)
	assert.Equal(t, ID("99"), ev.OrderID)
	assert.Equal(t, "ORD-99", ev.OrderNumber)
	assert.Equal(t, "shipped", ev.Status)
	assert.Equal(t, "in_transit", ev.DeliveryStatus)

	env, err = ParseEnvelope([]byte(`{"type":"order_update","status":"shipped"}`))
	require.NoError(t, err)
	_, err = decodeOrderEvent(env)
	assert.Error(t, err)
}

func TestDecodeNotification(t *testing.T) {
	flat, err := ParseEnvelope([]byte(`{"type":"notification","id":3,"title":"Shipped","message":"Your order shipped","notification_type":"order"}`))
	require.NoError(t, err)
	n, err := decodeNotification(flat)
	require.NoError(t, err)
	assert.Equal(t, ID("3"), n.ID)
	assert.Equal(t, "Shipped", n.Title)
	assert.Equal(t, "order", n.Kind)

	nested, err := ParseEnvelope([]byte(`{"type":"new_notification","notification":{"id":"n-4","title":"Hi","is_read":true}}`))
	require.NoError(t, err)
	n, err = decodeNotification(nested)
	require.NoError(t, err)
	assert.Equal(t, ID("n-4"), n.ID)
	assert.True(t, n.Read)

	missing, err := ParseEnvelope([]byte(`{"type":"notification","title":"no id"}`))
	require.NoError(t, err)
	_, err = decodeNotification(missing)
	assert.Error(t, err)
}

func TestDecodeCount(t *testing.T) {
	for frame, want := range map[string]int{
		`{"type":"notification_count","count":4}`:                  4,
		`{"type":"notification_count","unread_count":2,"count":9}`: 2,
		`{"type":"notification_count","payload":{"count":7}}`:      7,
	} {
		env, err := ParseEnvelope([]byte(frame))
		require.NoError(t, err)
		got, ok, err := decodeCount(env)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, got, frame)
	}

	env, err := ParseEnvelope([]byte(`{"type":"notification_count"}`))
	require.NoError(t, err)
	_, ok, err := decodeCount(env)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeSubscriptionAck(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"subscription_error","subscription":"cod_alerts","message":"admins only"}`))
	require.NoError(t, err)
	ack, err := decodeSubscriptionAck(env)
	require.NoError(t, err)
	assert.False(t, ack.OK)
	assert.Equal(t, "cod_alerts", ack.Subscription)
	assert.Equal(t, "admins only", ack.Message)
}

func TestID_UnmarshalJSON(t *testing.T) {
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"x1","b":42,"c":null}`), &v))
	assert.Equal(t, ID("x1"), v.A)
	assert.Equal(t, ID("42"), v.B)
	assert.Equal(t, ID(""), v.C)

	assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &v))
}

func TestDescriptorEnvelope(t *testing.T) {
	assert.Equal(t, Outbound{Type: TypeSubscribeOrder, OrderID: "O1"}, Descriptor{Kind: KindOrder, OrderID: "O1"}.Envelope())
	assert.Equal(t, Outbound{Type: TypeSubscribeUserOrders}, Descriptor{Kind: KindUserOrders}.Envelope())
	assert.Equal(t, Outbound{Type: TypeSubscribeCODAlerts}, Descriptor{Kind: KindCODAlerts}.Envelope())
	assert.Equal(t, "order:O1", Descriptor{Kind: KindOrder, OrderID: "O1"}.String())
}

func TestSubscriptionSet(t *testing.T) {
	s := newSubscriptionSet()
	a := Descriptor{Kind: KindOrder, OrderID: "A"}
	b := Descriptor{Kind: KindUserOrders}
	c := Descriptor{Kind: KindOrder, OrderID: "C"}

	assert.True(t, s.add(a))
	assert.True(t, s.add(b))
	assert.False(t, s.add(a))
	assert.True(t, s.add(c))
	assert.Equal(t, []Descriptor{a, b, c}, s.snapshot())

	assert.True(t, s.remove(b))
	assert.False(t, s.remove(b))
	assert.Equal(t, []Descriptor{a, c}, s.snapshot())
	assert.True(t, s.contains(c))

	// index stays consistent after a removal from the middle
	assert.True(t, s.remove(c))
	assert.Equal(t, []Descriptor{a}, s.snapshot())

	s.clear()
	assert.Empty(t, s.snapshot())
}
