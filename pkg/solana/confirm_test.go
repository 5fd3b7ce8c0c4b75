package solana

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signatureServer acks a signatureSubscribe and then pushes notification.
func signatureServer(t *testing.T, notification string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		assert.Equal(t, "signatureSubscribe", req.Method)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","result":42,"id":1}`))
		if notification != "" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(notification))
		}
		// hold the socket open until the client goes away
		_, _, _ = conn.ReadMessage()
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConfirmOverWebsocket(t *testing.T) {
	server := signatureServer(t, `{"jsonrpc":"2.0","method":"signatureNotification","params":{"result":{"context":{"slot":5},"value":{"err":null}},"subscription":42}}`)
	defer server.Close()

	client := newFakeRPC()
	confirmer := NewConfirmer(client, wsURL(server), time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, confirmer.Confirm(ctx, solana.Signature{9}))
}

func TestConfirmOverWebsocketFailure(t *testing.T) {
	server := signatureServer(t, `{"jsonrpc":"2.0","method":"signatureNotification","params":{"result":{"context":{"slot":5},"value":{"err":{"InstructionError":[0,{"Custom":1}]}}},"subscription":42}}`)
	defer server.Close()

	confirmer := NewConfirmer(newFakeRPC(), wsURL(server), time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.ErrorIs(t, confirmer.Confirm(ctx, solana.Signature{9}), ErrTransactionFailed)
}

func TestConfirmAlreadyLandedBeforeSubscribe(t *testing.T) {
	server := signatureServer(t, "")
	defer server.Close()

	sig := solana.Signature{7}
	client := newFakeRPC()
	client.statuses[sig] = &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized}

	confirmer := NewConfirmer(client, wsURL(server), time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, confirmer.Confirm(ctx, sig))
}

func TestConfirmFallsBackToPolling(t *testing.T) {
	sig := solana.Signature{3}
	client := newFakeRPC()
	client.statuses[sig] = &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}

	// nothing listens on this port
	confirmer := NewConfirmer(client, "ws://127.0.0.1:1", 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, confirmer.Confirm(ctx, sig))
	assert.GreaterOrEqual(t, client.statusCalls, 1)
}

func TestConfirmTimesOut(t *testing.T) {
	confirmer := NewConfirmer(newFakeRPC(), "", 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := confirmer.Confirm(ctx, solana.Signature{4})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
