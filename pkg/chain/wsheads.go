package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 1024 * 1024
)

// WSHeadSubscriber is an alternative, push-based head source to the
// Poller: it subscribes to eth_subscribe("newHeads") over a websocket
// and invokes onHead with every new block number as it arrives, instead
// of polling blockTag=latest on a fixed interval.
type WSHeadSubscriber struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	requestID atomic.Int64
	connected atomic.Bool
}

// NewWSHeadSubscriber constructs a subscriber over wsURL.
func NewWSHeadSubscriber(wsURL string) *WSHeadSubscriber {
	return &WSHeadSubscriber{url: wsURL}
}

// Run connects, subscribes to newHeads, and delivers each new block
// number to onHead until ctx is canceled or the connection drops. The
// caller is expected to wrap Run in a reconnect loop (mirroring the
// Supervisor's retry policy) since a single dropped connection should
// not be treated as fatal.
func (w *WSHeadSubscriber) Run(ctx context.Context, onHead func(blockNumber uint64)) error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dialing websocket %s: %w", w.url, err)
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.connected.Store(true)
	defer w.connected.Store(false)

	if err := w.subscribe(conn); err != nil {
		return fmt.Errorf("subscribing to newHeads: %w", err)
	}

	errCh := make(chan error, 1)
	msgCh := make(chan []byte, 256)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	go w.pingLoop(ctx, conn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case msg := <-msgCh:
			if n, ok := parseNewHeadNumber(msg); ok {
				onHead(n)
			}
		}
	}
}

func (w *WSHeadSubscriber) subscribe(conn *websocket.Conn) error {
	id := w.requestID.Add(1)
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "eth_subscribe",
		"params":  []interface{}{"newHeads"},
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(req)
}

func (w *WSHeadSubscriber) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			w.mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Msg("websocket ping failed")
				return
			}
		}
	}
}

// IsConnected reports whether the subscriber currently holds a live
// connection.
func (w *WSHeadSubscriber) IsConnected() bool {
	return w.connected.Load()
}

type subscriptionNotification struct {
	Method string `json:"method"`
	Params struct {
		Result json.RawMessage `json:"result"`
	} `json:"params"`
}

func parseNewHeadNumber(msg []byte) (uint64, bool) {
	var note subscriptionNotification
	if err := json.Unmarshal(msg, &note); err != nil || note.Method != "eth_subscription" {
		return 0, false
	}
	var head struct {
		Number string `json:"number"`
	}
	if err := json.Unmarshal(note.Params.Result, &head); err != nil || head.Number == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(trimHexPrefix(head.Number), 16, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
