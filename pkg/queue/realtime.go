package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	realtimeWriteWait     = 10 * time.Second
	realtimeHeartbeat     = 30 * time.Second
	realtimePongWait      = 75 * time.Second
	realtimeQueueTopicFmt = "realtime:%s"
	queueTable            = "audio_job_queue"
)

// realtimeMessage is the phoenix-channel message envelope the realtime
// service speaks.
type realtimeMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// Subscription is a live realtime channel delivering queue-insert
// notifications. Close it to stop the pumps and release the socket.
type Subscription struct {
	conn     *websocket.Conn
	onInsert func()
	wake     chan struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	writeMu sync.Mutex
}

// SubscribeInserts opens a realtime channel on the queue table and
// invokes onInsert for every new row. Delivery is a wake-up signal, not a
// payload: the worker always drains via DequeueOne, so a missed or
// coalesced event is recovered by the fallback poll.
func (c *Client) SubscribeInserts(ctx context.Context, onInsert func()) (*Subscription, error) {
	wsURL := strings.Replace(c.cfg.BaseURL, "http", "ws", 1) +
		"/realtime/v1/websocket?apikey=" + c.cfg.ServiceRoleKey + "&vsn=1.0.0"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: realtime dial: %v", ErrStoreUnavailable, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		conn:     conn,
		onInsert: onInsert,
		wake:     make(chan struct{}, 1),
		cancel:   cancel,
	}

	join := realtimeMessage{
		Topic: fmt.Sprintf(realtimeQueueTopicFmt, queueTable),
		Event: "phx_join",
		Ref:   uuid.New().String(),
	}
	join.Payload, _ = json.Marshal(map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{
				{"event": "INSERT", "schema": "public", "table": queueTable},
			},
		},
	})
	if err := s.write(join); err != nil {
		conn.Close()
		cancel()
		return nil, fmt.Errorf("%w: realtime join: %v", ErrStoreUnavailable, err)
	}

	s.wg.Add(3)
	go s.readPump(subCtx, c)
	go s.heartbeatPump(subCtx, c)
	go s.dispatchPump(subCtx)

	c.logger.Info("realtime subscription established", "table", queueTable)
	return s, nil
}

func (s *Subscription) write(msg realtimeMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
	return s.conn.WriteJSON(msg)
}

func (s *Subscription) readPump(ctx context.Context, c *Client) {
	defer s.wg.Done()

	s.conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	for {
		var msg realtimeMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("realtime read failed, relying on fallback poll", "err", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(realtimePongWait))

		switch msg.Event {
		case "postgres_changes", "INSERT":
			c.logger.Debug("queue insert event")
			// Non-blocking: a slow handler must not stall the read loop,
			// and bursts coalesce into one pending wake-up.
			select {
			case s.wake <- struct{}{}:
			default:
			}
		case "phx_reply", "phx_close", "heartbeat", "system", "presence_state":
			// Channel bookkeeping, nothing to do.
		}
	}
}

// dispatchPump delivers wake-ups to the handler off the read goroutine,
// so a long-running drain never backs up the socket.
func (s *Subscription) dispatchPump(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if s.onInsert != nil {
				s.onInsert()
			}
		}
	}
}

func (s *Subscription) heartbeatPump(ctx context.Context, c *Client) {
	defer s.wg.Done()

	ticker := time.NewTicker(realtimeHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := realtimeMessage{
				Topic:   "phoenix",
				Event:   "heartbeat",
				Payload: json.RawMessage("{}"),
				Ref:     uuid.New().String(),
			}
			if err := s.write(hb); err != nil {
				c.logger.Warn("realtime heartbeat failed", "err", err)
				return
			}
		}
	}
}

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.conn.Close()
		s.wg.Wait()
	})
}
