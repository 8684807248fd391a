package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/buildrite/fieldsync/internal/record"
	"github.com/coder/websocket"
)

// RealtimeConfig configures the websocket change-stream client.
type RealtimeConfig struct {
	// URL is the realtime websocket endpoint, e.g. "wss://db.example.com/realtime/v1".
	URL string

	// APIKey is passed as a query parameter on dial.
	APIKey string
}

// Realtime opens change subscriptions over a websocket connection, one
// connection per subscribed table.
type Realtime struct {
	url    string
	apiKey string
}

// NewRealtime creates a realtime client.
func NewRealtime(cfg RealtimeConfig) (*Realtime, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("realtime URL is required")
	}
	return &Realtime{url: strings.TrimRight(cfg.URL, "/"), apiKey: cfg.APIKey}, nil
}

// subscribeMsg is the frame sent to register interest in a table.
type subscribeMsg struct {
	Action string `json:"action"`
	Table  string `json:"table"`
	Event  string `json:"event"`
}

// changeFrame is the wire shape of one change notification.
type changeFrame struct {
	EventType string        `json:"eventType"`
	Table     string        `json:"table"`
	New       record.Record `json:"new,omitempty"`
	Old       record.Record `json:"old,omitempty"`
}

// Subscribe dials the realtime endpoint and registers for all change
// events on the table. Events are delivered until the context is cancelled,
// Close is called, or the connection drops; the caller decides whether to
// re-subscribe.
func (r *Realtime) Subscribe(ctx context.Context, table string) (Subscription, error) {
	dialURL := r.url
	if r.apiKey != "" {
		dialURL += "?apikey=" + url.QueryEscape(r.apiKey)
	}

	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		return nil, &StoreError{Op: "subscribe", Table: table, Code: 0, Err: err}
	}

	msg, err := json.Marshal(subscribeMsg{Action: "subscribe", Table: table, Event: "*"})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "encode failure")
		return nil, fmt.Errorf("failed to encode subscribe message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "subscribe failed")
		return nil, &StoreError{Op: "subscribe", Table: table, Code: 0, Err: err}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &realtimeSub{
		table:  table,
		conn:   conn,
		events: make(chan ChangeEvent, 16),
		cancel: cancel,
	}
	go sub.readLoop(subCtx)
	return sub, nil
}

type realtimeSub struct {
	table  string
	conn   *websocket.Conn
	events chan ChangeEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *realtimeSub) Events() <-chan ChangeEvent { return s.events }

func (s *realtimeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *realtimeSub) Close() error {
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *realtimeSub) readLoop(ctx context.Context) {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.mu.Lock()
				s.err = &StoreError{Op: "subscribe", Table: s.table, Code: 0, Err: err}
				s.mu.Unlock()
			}
			return
		}

		var frame changeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Ignore heartbeats and frames we don't understand.
			continue
		}
		if frame.EventType == "" || frame.Table != s.table {
			continue
		}

		ev := ChangeEvent{
			Type:  EventType(strings.ToUpper(frame.EventType)),
			Table: frame.Table,
			New:   frame.New,
			Old:   frame.Old,
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
