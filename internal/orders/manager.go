// Package orders provides order management functionality for the trading bot.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eddiefleurent/straddle_hedger/internal/broker"
	"github.com/eddiefleurent/straddle_hedger/internal/cache"
	"github.com/eddiefleurent/straddle_hedger/internal/lock"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
	"github.com/eddiefleurent/straddle_hedger/internal/retry"
)

const positionsKey = "positions"

// Config contains configuration for the order manager.
type Config struct {
	CallTimeout   time.Duration
	PositionTTL   time.Duration
	LoginCooldown time.Duration // logins closer together than this are coalesced
	Retry         retry.Config
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	CallTimeout:   10 * time.Second,
	PositionTTL:   5 * time.Second,
	LoginCooldown: 5 * time.Second,
	Retry:         retry.DefaultConfig,
}

// Manager implements broker.Gateway over a Venue.
type Manager struct {
	lastLogin time.Time
	venue     broker.Venue
	tracker   *Tracker
	reads     *retry.Client
	writes    *retry.Client
	positions *cache.ReadThrough[[]models.VenuePosition]
	logger    *log.Logger
	onLogin   []func()
	guard     LoginGuard
	logins    singleflight.Group
	config    Config
	mu        sync.Mutex
}

// LoginGuard is the critical section a retry-triggered login must hold. lock.Coordinator satisfies it.
type LoginGuard interface {
	TryRun(ctx context.Context, op string, fn func(context.Context) error) error
}

// Ensure Manager implements broker.Gateway at compile time.
var _ broker.Gateway = (*Manager)(nil)

// NewManager creates a new order manager instance.
func NewManager(venue broker.Venue, tracker *Tracker, logger *log.Logger, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	// Guard against nil logger
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.PositionTTL <= 0 {
		cfg.PositionTTL = DefaultConfig.PositionTTL
	}
	if cfg.LoginCooldown < 0 {
		cfg.LoginCooldown = 0
	}

	if venue == nil {
		panic("orders.NewManager: venue must not be nil")
	}
	if tracker == nil {
		tracker = NewTracker()
	}

	m := &Manager{
		venue:   venue,
		tracker: tracker,
		logger:  logger,
		config:  cfg,
	}
	m.reads = retry.NewClient(m.reauth, logger, cfg.Retry)
	writeCfg := cfg.Retry
	writeCfg.NoTransientRetry = true
	m.writes = retry.NewClient(m.reauth, logger, writeCfg)
	m.positions = cache.NewReadThrough[[]models.VenuePosition](cfg.PositionTTL, func(ctx context.Context, _ string) ([]models.VenuePosition, error) {
		return retry.DoValue(ctx, m.reads, "get positions", m.venue.Positions)
	})
	return m
}

// ReadClient returns a retry client for side-effect-free venue calls made outside the
// gateway, such as quotes. Auth errors re-login through the gateway.
func (m *Manager) ReadClient(cfg retry.Config, logger *log.Logger) *retry.Client {
	if logger == nil {
		logger = m.logger
	}
	return retry.NewClient(m.reauth, logger, cfg)
}

// GuardLogins makes retry-triggered logins take g. A caller already inside g logs in inline;
// any other caller fails its call rather than log in beside a running operation.
func (m *Manager) GuardLogins(g LoginGuard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guard = g
}

func (m *Manager) reauth(ctx context.Context) error {
	m.mu.Lock()
	g := m.guard
	m.mu.Unlock()
	if g == nil {
		return m.Login(ctx)
	}
	return g.TryRun(ctx, lock.OpLogin, m.Login)
}

// Tracker returns the fill tracker fed by the order-update stream.
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// OnLogin registers a hook run after every successful login, e.g. to drop cached quotes.
func (m *Manager) OnLogin(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLogin = append(m.onLogin, fn)
}

// Login performs a full login. Concurrent and back-to-back calls share one venue login.
func (m *Manager) Login(ctx context.Context) error {
	_, err, _ := m.logins.Do("login", func() (interface{}, error) {
		m.mu.Lock()
		recent := !m.lastLogin.IsZero() && time.Since(m.lastLogin) < m.config.LoginCooldown
		m.mu.Unlock()
		if recent {
			return nil, nil
		}

		m.logger.Printf("Logging in to venue")
		if _, err := m.venue.Login(ctx); err != nil {
			m.logger.Printf("Login failed: %v", err)
			return nil, fmt.Errorf("login: %w", err)
		}

		m.mu.Lock()
		m.lastLogin = time.Now()
		hooks := append([]func(){}, m.onLogin...)
		m.mu.Unlock()

		m.positions.Clear()
		for _, h := range hooks {
			h()
		}
		m.logger.Printf("Login successful")
		return nil, nil
	})
	return err
}

// PlaceOrder submits one order. Transient failures are not retried here since the order may have reached the venue.
func (m *Manager) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("place order: invalid quantity %d", req.Quantity)
	}
	if req.Instrument.IsZero() {
		return nil, errors.New("place order: instrument is required")
	}

	op := fmt.Sprintf("place %s %s x%d", req.Side, req.Instrument, req.Quantity)
	resp, err := retry.DoValue(ctx, m.writes, op, func(ctx context.Context) (*broker.OrderResponse, error) {
		return m.venue.PlaceOrder(ctx, req)
	})
	m.positions.Invalidate(positionsKey)
	if err != nil {
		m.logger.Printf("Order failed: %s: %v", op, err)
		return nil, err
	}
	m.logger.Printf("Order placed: %s id=%s", op, resp.OrderID)
	return resp, nil
}

// VerifyFill decides whether orderID filled.
// It checks the known and tracked status, waits for a notification up to maxWait,
// then makes one final status query. An order still working after that is cancelled and
// queried again, so (false, nil) always means the order is dead without a fill.
func (m *Manager) VerifyFill(ctx context.Context, orderID string, known broker.OrderState, maxWait time.Duration) (bool, error) {
	if known.Terminal() {
		return settled(broker.OrderStatus{OrderID: orderID, Status: known})
	}
	if u, ok := m.tracker.Latest(orderID); ok && u.Status.Terminal() {
		return settled(u)
	}

	if st, err := m.status(ctx, orderID); err == nil && st.Status.Terminal() {
		m.tracker.Observe(*st)
		return settled(*st)
	}

	if u, ok := m.tracker.Wait(ctx, orderID, maxWait); ok {
		m.logger.Printf("Order %s %s (notification)", orderID, u.Status)
		return settled(u)
	}

	m.logger.Printf("Order %s: no notification within %v, checking status", orderID, maxWait)
	finalCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finalCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), m.config.CallTimeout)
		defer cancel()
	}
	st, err := m.finalStatus(finalCtx, orderID)
	if err != nil {
		return false, &broker.OrderError{Err: broker.ErrOrderUnconfirmed, OrderID: orderID, State: broker.StateUnknown, Message: err.Error()}
	}
	if st.Status.Terminal() {
		return settled(*st)
	}
	return m.cancelWorking(finalCtx, *st, maxWait)
}

// cancelWorking cancels an order still working after the fill wait and settles it from a fresh status.
func (m *Manager) cancelWorking(ctx context.Context, st broker.OrderStatus, waited time.Duration) (bool, error) {
	m.logger.Printf("Order %s still %s after %v, cancelling", st.OrderID, st.Status, waited)
	cancelErr := m.writes.Do(ctx, "cancel order "+st.OrderID, func(ctx context.Context) error {
		return m.venue.CancelOrder(ctx, st.OrderID)
	})
	m.positions.Invalidate(positionsKey)
	if cancelErr != nil {
		m.logger.Printf("Cancel of order %s failed: %v", st.OrderID, cancelErr)
	}

	after, err := m.finalStatus(ctx, st.OrderID)
	if err != nil {
		return false, &broker.OrderError{Err: broker.ErrOrderUnconfirmed, OrderID: st.OrderID, State: st.Status, Message: err.Error()}
	}
	switch {
	case after.Status == broker.StateCancelled && after.FilledQty > 0:
		return false, &broker.OrderError{Err: broker.ErrOrderUnconfirmed, OrderID: st.OrderID, State: after.Status,
			Message: fmt.Sprintf("partially filled %d before cancel", after.FilledQty)}
	case after.Status == broker.StateCancelled:
		m.logger.Printf("Order %s cancelled unfilled", st.OrderID)
		return false, nil
	case after.Status.Terminal():
		return settled(*after)
	}
	msg := "cancel not confirmed"
	if cancelErr != nil {
		msg = cancelErr.Error()
	}
	m.logger.Printf("CRITICAL: order %s still %s after cancel, it may yet fill", st.OrderID, after.Status)
	return false, &broker.OrderError{Err: broker.ErrOrderUnconfirmed, OrderID: st.OrderID, State: after.Status, Message: msg}
}

func (m *Manager) finalStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	st, err := retry.DoValue(ctx, m.reads, "order status "+orderID, func(ctx context.Context) (*broker.OrderStatus, error) {
		return m.status(ctx, orderID)
	})
	if err != nil {
		return nil, err
	}
	m.tracker.Observe(*st)
	return st, nil
}

// settled maps a terminal status to the VerifyFill result.
func settled(st broker.OrderStatus) (bool, error) {
	switch st.Status {
	case broker.StateComplete:
		return true, nil
	case broker.StateRejected:
		return false, &broker.OrderError{Err: broker.ErrOrderRejected, OrderID: st.OrderID, State: st.Status, Message: st.Message}
	default:
		return false, &broker.OrderError{Err: broker.ErrOrderCancelled, OrderID: st.OrderID, State: st.Status, Message: st.Message}
	}
}

// GetFillPrice returns the average fill price, if known.
func (m *Manager) GetFillPrice(ctx context.Context, orderID string) (float64, bool) {
	if u, ok := m.tracker.Latest(orderID); ok && u.Status.Filled() && u.AveragePrice > 0 {
		return u.AveragePrice, true
	}
	st, err := m.status(ctx, orderID)
	if err != nil || !st.Status.Filled() || st.AveragePrice <= 0 {
		return 0, false
	}
	m.tracker.Observe(*st)
	return st.AveragePrice, true
}

// GetPositions returns open venue positions, served from a short-lived cache unless forceRefresh.
func (m *Manager) GetPositions(ctx context.Context, forceRefresh bool) ([]models.VenuePosition, error) {
	if forceRefresh {
		return m.positions.Refresh(ctx, positionsKey)
	}
	return m.positions.Get(ctx, positionsKey)
}

func (m *Manager) status(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	st, err := m.venue.OrderStatus(callCtx, orderID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("order %s: empty status", orderID)
	}
	return st, nil
}
