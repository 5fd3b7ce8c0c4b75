package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const DefaultPollInterval = 2 * time.Second

// ErrTransactionFailed is returned when a transaction landed but its execution failed.
var ErrTransactionFailed = errors.New("transaction failed on chain")

// Confirmer waits for a signature to reach confirmed commitment. It subscribes over
// the RPC websocket when an endpoint is configured and falls back to polling
// getSignatureStatuses otherwise or when the socket drops.
type Confirmer struct {
	client       RPC
	wsEndpoint   string
	pollInterval time.Duration
	dialer       *websocket.Dialer
}

func NewConfirmer(client RPC, wsEndpoint string, pollInterval time.Duration) *Confirmer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Confirmer{
		client:       client,
		wsEndpoint:   wsEndpoint,
		pollInterval: pollInterval,
		dialer:       websocket.DefaultDialer,
	}
}

func (c *Confirmer) Confirm(ctx context.Context, sig solana.Signature) error {
	if c.wsEndpoint != "" {
		err := c.subscribe(ctx, sig)
		if err == nil || errors.Is(err, ErrTransactionFailed) || ctx.Err() != nil {
			return err
		}
		log.WithField("signature", sig.String()).Warnf("> Signature subscription failed, polling instead: %v", err)
	}
	return c.poll(ctx, sig)
}

type wsRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsMessage struct {
	ID     *int             `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *json.RawMessage `json:"error,omitempty"`
	Params *struct {
		Result struct {
			Value struct {
				Err interface{} `json:"err"`
			} `json:"value"`
		} `json:"result"`
		Subscription int `json:"subscription"`
	} `json:"params,omitempty"`
}

func (c *Confirmer) subscribe(ctx context.Context, sig solana.Signature) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsEndpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.wsEndpoint, err)
	}
	defer conn.Close()

	// unblock ReadJSON when the caller gives up
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(wsRequest{
		Jsonrpc: "2.0",
		ID:      1,
		Method:  "signatureSubscribe",
		Params:  []interface{}{sig.String(), map[string]string{"commitment": string(rpc.CommitmentConfirmed)}},
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("subscription rejected: %s", string(*msg.Error))
		}
		if msg.ID != nil {
			// subscription ack; the signature may have landed before we subscribed
			done, err := c.checkOnce(ctx, sig)
			if done || err != nil {
				return err
			}
			continue
		}
		if msg.Method == "signatureNotification" && msg.Params != nil {
			if e := msg.Params.Result.Value.Err; e != nil {
				return fmt.Errorf("%w: %v", ErrTransactionFailed, e)
			}
			return nil
		}
	}
}

func (c *Confirmer) poll(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		done, err := c.checkOnce(ctx, sig)
		if done || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// checkOnce reports whether the signature reached confirmed commitment. Query errors
// are treated as "not yet".
func (c *Confirmer) checkOnce(ctx context.Context, sig solana.Signature) (bool, error) {
	res, err := c.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil || res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return false, nil
	}
	status := res.Value[0]
	if status.Err != nil {
		errJSON, _ := json.Marshal(status.Err)
		return true, fmt.Errorf("%w: %s", ErrTransactionFailed, string(errJSON))
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return true, nil
	}
	return false, nil
}
