package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultOrderFeedURL is the SmartAPI order-update stream.
const DefaultOrderFeedURL = "wss://tns.angelone.in/smart-order-update"

// SessionSource supplies the tokens used to authenticate the stream.
type SessionSource interface {
	Session() (*Session, bool)
}

// OrderFeedConfig configures the order-update stream.
type OrderFeedConfig struct {
	URL          string
	APIKey       string
	ClientCode   string
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBackoff   time.Duration
	Buffer       int
}

// OrderFeed streams order status changes. Updates are dropped, not blocked on, when the consumer lags.
type OrderFeed struct {
	sessions SessionSource
	dialer   *websocket.Dialer
	logger   *log.Logger
	updates  chan OrderStatus
	cfg      OrderFeedConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	dropped   int
}

// NewOrderFeed creates a feed. Call Run to connect.
func NewOrderFeed(cfg OrderFeedConfig, sessions SessionSource, logger *log.Logger) *OrderFeed {
	if cfg.URL == "" {
		cfg.URL = DefaultOrderFeedURL
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[ORDER-WS] ", log.LstdFlags)
	}
	return &OrderFeed{
		cfg:      cfg,
		sessions: sessions,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:   logger,
		updates:  make(chan OrderStatus, cfg.Buffer),
	}
}

// Updates returns the channel of order status events.
func (f *OrderFeed) Updates() <-chan OrderStatus {
	return f.updates
}

// Connected reports whether the stream is currently up.
func (f *OrderFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Dropped returns the number of updates discarded because the buffer was full.
func (f *OrderFeed) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Run keeps the stream connected until ctx is cancelled, reconnecting with exponential backoff.
func (f *OrderFeed) Run(ctx context.Context) {
	backoff := time.Second
	for {
		err := f.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		f.logger.Printf("disconnected: %v; reconnecting in %v", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			backoff = f.cfg.MaxBackoff
		}
	}
}

func (f *OrderFeed) runOnce(ctx context.Context) error {
	s, ok := f.sessions.Session()
	if !ok {
		return fmt.Errorf("no session")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.JWT)
	header.Set("x-api-key", f.cfg.APIKey)
	header.Set("x-client-code", f.cfg.ClientCode)
	header.Set("x-feed-token", s.FeedToken)

	conn, resp, err := f.dialer.DialContext(ctx, f.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	f.setConn(conn)
	f.logger.Printf("connected to %s", f.cfg.URL)
	defer f.setConn(nil)

	done := make(chan struct{})
	go f.pinger(ctx, conn, done)
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	})

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		if string(msg) == "pong" {
			continue
		}
		update, ok, err := parseOrderUpdate(msg, time.Now())
		if err != nil {
			f.logger.Printf("discarding malformed update: %v", err)
			continue
		}
		if ok {
			f.publish(update)
		}
	}
}

func (f *OrderFeed) pinger(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			f.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			f.mu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (f *OrderFeed) setConn(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conn == nil && f.conn != nil {
		_ = f.conn.Close()
	}
	f.conn = conn
	f.connected = conn != nil
}

func (f *OrderFeed) publish(u OrderStatus) {
	select {
	case f.updates <- u:
	default:
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
		f.logger.Printf("update buffer full, dropped %s %s", u.OrderID, u.Status)
	}
}

type orderUpdateMessage struct {
	StatusCode string `json:"status-code"`
	UserID     string `json:"user-id"`
	OrderData  *struct {
		OrderID      string          `json:"orderid"`
		OrderStatus  string          `json:"orderstatus"`
		Text         string          `json:"text"`
		FilledShares json.RawMessage `json:"filledshares"`
		AveragePrice json.RawMessage `json:"averageprice"`
	} `json:"orderData"`
}

// parseOrderUpdate decodes one stream frame. Frames without order data report ok=false.
func parseOrderUpdate(msg []byte, now time.Time) (OrderStatus, bool, error) {
	var m orderUpdateMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return OrderStatus{}, false, err
	}
	if m.OrderData == nil || m.OrderData.OrderID == "" {
		return OrderStatus{}, false, nil
	}
	d := m.OrderData
	return OrderStatus{
		UpdatedAt:    now,
		OrderID:      d.OrderID,
		Status:       ParseOrderState(d.OrderStatus),
		Message:      d.Text,
		AveragePrice: flexFloat(d.AveragePrice),
		FilledQty:    int(flexFloat(d.FilledShares)),
	}, true, nil
}

// flexFloat accepts a JSON number or a numeric string.
func flexFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		f, _ = strconv.ParseFloat(s, 64)
	}
	return f
}
