package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Feed is an optional websocket spot stream. It only caches the last observed
// price per pair; the engine uses that cache as the best-effort spot estimate
// when the pull oracle is unavailable and positions must still be withdrawn.
type Feed struct {
	url            string
	reconnectDelay time.Duration
	log            *zap.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	pairs []string
	last  map[string]feedTick
}

type feedTick struct {
	price float64
	at    time.Time
}

type feedSubscribe struct {
	Type  string   `json:"type"`
	Pairs []string `json:"pairs"`
}

type feedMessage struct {
	Pair  string  `json:"pair"`
	Price float64 `json:"price"`
}

func NewFeed(url string, reconnectDelay time.Duration, pairs []string, log *zap.Logger) *Feed {
	return &Feed{
		url:            url,
		reconnectDelay: reconnectDelay,
		log:            log,
		pairs:          pairs,
		last:           make(map[string]feedTick),
	}
}

// Last returns the most recent cached price for a pair.
func (f *Feed) Last(pair string) (float64, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tick, ok := f.last[pair]
	return tick.price, tick.at, ok
}

// Run keeps the stream connected until the context ends, resubscribing after
// every reconnect.
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("spot feed connect failed", zap.Error(err))
		} else {
			if err := f.readLoop(ctx); err != nil && ctx.Err() == nil {
				f.log.Warn("spot feed read failed", zap.Error(err))
			}
			f.reset()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *Feed) connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, feedSubscribe{Type: "subscribe", Pairs: f.pairs}); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return err
	}
	f.conn = conn
	return nil
}

func (f *Feed) readLoop(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("spot feed not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Pair == "" || msg.Price <= 0 {
			continue
		}
		f.mu.Lock()
		f.last[msg.Pair] = feedTick{price: msg.Price, at: time.Now().UTC()}
		f.mu.Unlock()
	}
}

func (f *Feed) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}
