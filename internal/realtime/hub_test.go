package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ticketescrow/internal/escrow"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func attach(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, 8), sub: sub}
	h.register <- c
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients > 0 }, time.Second, 5*time.Millisecond)
	return c
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestSubscriptionMatches(t *testing.T) {
	ev := &Event{Type: escrow.EventCaptured, ListingID: "lst_1", OrderID: "pi_1"}

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty matches all", Subscription{}, true},
		{"type match", Subscription{EventTypes: []string{escrow.EventCaptured, escrow.EventCanceled}}, true},
		{"type miss", Subscription{EventTypes: []string{escrow.EventOnHold}}, false},
		{"listing match", Subscription{ListingIDs: []string{"lst_1"}}, true},
		{"listing miss", Subscription{ListingIDs: []string{"lst_2"}}, false},
		{"order miss", Subscription{OrderIDs: []string{"pi_9"}}, false},
		{"all filters must hold", Subscription{ListingIDs: []string{"lst_1"}, OrderIDs: []string{"pi_9"}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.sub.Matches(ev))
		})
	}
}

func TestSubscriptionFromQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/ws?listingId=lst_1,lst_2&orderId=pi_1&type=order.captured", nil)
	sub := subscriptionFromQuery(r)
	assert.Equal(t, []string{"lst_1", "lst_2"}, sub.ListingIDs)
	assert.Equal(t, []string{"pi_1"}, sub.OrderIDs)
	assert.Equal(t, []string{escrow.EventCaptured}, sub.EventTypes)
}

func TestHub_PublishFiltersAndHidesPayoutDetails(t *testing.T) {
	h := runHub(t)
	c := attach(t, h, Subscription{ListingIDs: []string{"lst_1"}})

	h.PublishOrderEvent(escrow.EventCaptured, &escrow.Order{ID: "pi_other", ListingID: "lst_2"})
	h.PublishOrderEvent(escrow.EventCaptured, &escrow.Order{
		ID:                      "pi_1",
		ListingID:               "lst_1",
		Status:                  escrow.StatusCaptured,
		SellerPayoutDestination: "acct_secret",
	})

	ev := receive(t, c)
	assert.Equal(t, "pi_1", ev.OrderID)
	assert.Equal(t, escrow.EventCaptured, ev.Type)
	require.NotNil(t, ev.Order)
	assert.Equal(t, escrow.StatusCaptured, ev.Order.Status)

	select {
	case msg := <-c.send:
		t.Fatalf("unexpected second event %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(2), h.Stats().TotalEvents)
}

func TestHub_PayloadOmitsDestination(t *testing.T) {
	h := runHub(t)
	c := attach(t, h, Subscription{})

	h.PublishOrderEvent(escrow.EventAuthorized, &escrow.Order{ID: "pi_1", ListingID: "lst_1", SellerPayoutDestination: "acct_secret"})

	select {
	case msg := <-c.send:
		assert.NotContains(t, string(msg), "acct_secret")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := runHub(t)
	c := &Client{hub: h, send: make(chan []byte), sub: Subscription{}}
	h.register <- c
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 1 }, time.Second, 5*time.Millisecond)

	h.PublishOrderEvent(escrow.EventSent, &escrow.Order{ID: "pi_1", ListingID: "lst_1"})
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().PeakClients)
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/v1/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_WebSocket(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?orderId=pi_ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 1 }, time.Second, 5*time.Millisecond)

	h.PublishOrderEvent(escrow.EventAuthorized, &escrow.Order{ID: "pi_other", ListingID: "lst_1"})
	h.PublishOrderEvent(escrow.EventOnHold, &escrow.Order{ID: "pi_ws", ListingID: "lst_1", Status: escrow.StatusOnHold})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, escrow.EventOnHold, ev.Type)
	assert.Equal(t, "pi_ws", ev.OrderID)
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(slog.Default(), "https://tickets.example")

	r := httptest.NewRequest(http.MethodGet, "http://api.example/v1/ws", nil)
	assert.True(t, h.checkOrigin(r), "non-browser client")

	r.Header.Set("Origin", "https://tickets.example")
	assert.True(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(r))

	r.Header.Set("Origin", "http://api.example")
	assert.True(t, h.checkOrigin(r), "same host")
}
