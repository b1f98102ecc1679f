package dingtalk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"dingtalk-dify-relay/internal/domain"
)

type ackHandler struct {
	ack      domain.Ack
	payloads chan []byte
}

func (h *ackHandler) Handle(_ context.Context, payload []byte) domain.Ack {
	if h.payloads != nil {
		h.payloads <- payload
	}
	return h.ack
}

// newGateway serves the connection-open endpoint and a websocket endpoint;
// serve runs once per accepted connection.
func newGateway(t *testing.T, serve func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "ticket-1", r.URL.Query().Get("ticket"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		serve(conn)
	})
	mux.HandleFunc("/v1.0/gateway/connections/open", func(w http.ResponseWriter, _ *http.Request) {
		endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		_ = json.NewEncoder(w).Encode(openResponse{Endpoint: endpoint, Ticket: "ticket-1"})
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func disconnectFrame(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(frame{
		Type:    frameTypeSystem,
		Headers: map[string]string{"topic": systemTopicDisconnect, "messageId": "m-disc"},
	})
	require.NoError(t, err)
	return raw
}

func TestConnectAndServe_SignalsConnection(t *testing.T) {
	srv := newGateway(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, disconnectFrame(t)))
		// wait for the client to drop the connection
		_, _, _ = conn.ReadMessage()
	})

	h := &ackHandler{ack: domain.Ack{Status: domain.AckOK}}
	client, err := NewStreamClient("client-id", "client-secret", h,
		WithGatewayURL(srv.URL+"/v1.0/gateway/connections/open"))
	require.NoError(t, err)

	connected := 0
	err = client.connectAndServe(context.Background(), func() { connected++ })
	require.Error(t, err, "a requested disconnect surfaces so the caller reconnects")
	require.Equal(t, 1, connected, "the backoff reset hook fires once per established connection")
}

func TestConnectAndServe_DispatchesCallbackAndAcks(t *testing.T) {
	acks := make(chan frame, 1)
	srv := newGateway(t, func(conn *websocket.Conn) {
		raw, err := json.Marshal(frame{
			Type:    frameTypeCallback,
			Headers: map[string]string{"topic": botMessageTopic, "messageId": "m-7"},
			Data:    `{"msgtype":"text"}`,
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

		_, ackRaw, err := conn.ReadMessage()
		require.NoError(t, err)
		var ack frame
		require.NoError(t, json.Unmarshal(ackRaw, &ack))
		acks <- ack

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, disconnectFrame(t)))
		_, _, _ = conn.ReadMessage()
	})

	payloads := make(chan []byte, 1)
	h := &ackHandler{
		ack:      domain.Ack{Status: domain.AckRetry, Detail: "AUTH_ERROR"},
		payloads: payloads,
	}
	client, err := NewStreamClient("client-id", "client-secret", h,
		WithGatewayURL(srv.URL+"/v1.0/gateway/connections/open"))
	require.NoError(t, err)

	err = client.connectAndServe(context.Background(), nil)
	require.Error(t, err)

	require.JSONEq(t, `{"msgtype":"text"}`, string(<-payloads))
	ack := <-acks
	require.Equal(t, http.StatusServiceUnavailable, ack.Code)
	require.Equal(t, "m-7", ack.Headers["messageId"])
}
