package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eddiefleurent/straddle_hedger/internal/audit"
	"github.com/eddiefleurent/straddle_hedger/internal/broker"
	"github.com/eddiefleurent/straddle_hedger/internal/config"
	"github.com/eddiefleurent/straddle_hedger/internal/dashboard"
	"github.com/eddiefleurent/straddle_hedger/internal/hedge"
	"github.com/eddiefleurent/straddle_hedger/internal/lock"
	"github.com/eddiefleurent/straddle_hedger/internal/mock"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
	"github.com/eddiefleurent/straddle_hedger/internal/orders"
	"github.com/eddiefleurent/straddle_hedger/internal/ratelimit"
	"github.com/eddiefleurent/straddle_hedger/internal/reconcile"
	"github.com/eddiefleurent/straddle_hedger/internal/storage"
	"github.com/eddiefleurent/straddle_hedger/internal/straddle"
)

// paperMaxMove is the largest spot move per tick in paper mode.
const paperMaxMove = 15

// Bot wires the venue, order gateway, straddle orchestrator and reconciliation together.
type Bot struct {
	config     *config.Config
	loc        *time.Location
	logger     *log.Logger
	paper      *mock.PaperVenue
	orderFeed  *broker.OrderFeed
	gateway    *orders.Manager
	feed       *broker.QuoteFeed
	orch       *straddle.Orchestrator
	reconciler *reconcile.Engine
	storage    storage.Interface
	journal    audit.Sink
	lock       *lock.Coordinator
	dashboard  *dashboard.Server
	closers    []io.Closer
	now        func() time.Time
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	out := logOutput(cfg)
	logger := newLogger(out, "[BOT] ")

	logger.Printf("Starting NIFTY straddle bot in %s mode (%s %s)", cfg.Environment.Mode, cfg.Broker.Underlying, cfg.Broker.Expiry)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - Real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	bot, err := newBot(cfg, out)
	if err != nil {
		logger.Fatalf("Failed to initialize bot: %v", err)
	}
	defer bot.Close()

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Start(ctx); err != nil {
		logger.Printf("Bot error: %v", err)
		return
	}
	if err := bot.Run(ctx); err != nil {
		logger.Printf("Bot error: %v", err)
		return
	}
	logger.Println("Bot stopped successfully")
}

// logOutput writes to stdout and, when configured, a rotated log file.
func logOutput(cfg *config.Config) io.Writer {
	if cfg.Logging.File == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
}

func newLogger(out io.Writer, prefix string) *log.Logger {
	return log.New(out, prefix, log.LstdFlags|log.Lmicroseconds)
}

func newHTTPLogger(out io.Writer, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

// newBot builds every component from cfg. Nothing talks to the venue until Start.
func newBot(cfg *config.Config, out io.Writer) (*Bot, error) {
	if cfg.IsPaperTrading() {
		return assemble(cfg, out, mock.NewPaperVenue(cfg.Paper.Spot))
	}
	return assemble(cfg, out, nil)
}

// assemble wires the bot around paper, or around the SmartAPI venue when paper is nil.
func assemble(cfg *config.Config, out io.Writer, paper *mock.PaperVenue) (*Bot, error) {
	b := &Bot{
		config: cfg,
		loc:    cfg.Location(),
		logger: newLogger(out, "[BOT] "),
		now:    time.Now,
	}
	b.lock = lock.New(newLogger(out, "[LOCK] "))

	var venue broker.Venue
	var tokens map[string]string
	tracker := orders.NewTracker()
	if paper != nil {
		b.paper = paper
		venue = paper
	} else {
		var err error
		if tokens, err = loadTokens(cfg); err != nil {
			return nil, err
		}
		rest := broker.NewRESTVenue(cfg.RESTConfig(), ratelimit.New(cfg.RateLimits()))
		b.orderFeed = broker.NewOrderFeed(cfg.OrderFeedConfig(), rest, newLogger(out, "[WS] "))
		venue = broker.NewCircuitBreakerVenue(rest, cfg.CircuitBreakerSettings(), newLogger(out, "[VENUE] "))
	}

	resolver, err := broker.NewSymbolResolver(cfg.Broker.Underlying, cfg.Broker.Expiry, tokens)
	if err != nil {
		return nil, fmt.Errorf("symbol resolver: %w", err)
	}
	b.gateway = orders.NewManager(venue, tracker, newLogger(out, "[ORDERS] "), cfg.OrdersConfig())
	b.gateway.GuardLogins(b.lock)
	feedLogger := newLogger(out, "[FEED] ")
	b.feed = broker.NewQuoteFeed(venue, resolver, cfg.QuoteTTL(), feedLogger)
	b.feed.SetRunner(b.gateway.ReadClient(cfg.QuoteRetryConfig(), feedLogger))
	b.gateway.OnLogin(b.feed.Invalidate)

	b.journal = audit.Discard{}
	if cfg.Storage.AuditDB != "" {
		journal, err := audit.OpenSQLite(cfg.Storage.AuditDB)
		if err != nil {
			return nil, fmt.Errorf("audit journal: %w", err)
		}
		b.journal = journal
		b.closers = append(b.closers, journal)
	}

	if b.storage, err = storage.NewStorage(cfg.Storage.Path); err != nil {
		b.Close()
		return nil, fmt.Errorf("session storage: %w", err)
	}

	b.orch = straddle.NewOrchestrator(straddle.Dependencies{
		Gateway: b.gateway,
		Feed:    b.feed,
		Engine:  hedge.NewEngine(cfg.HedgeConfig(), newLogger(out, "[HEDGE] ")),
		Lock:    b.lock,
		Audit:   b.journal,
		Now:     func() time.Time { return b.now() },
	}, cfg.StraddleConfig(), newLogger(out, "[STRADDLE] "))

	b.reconciler = reconcile.NewEngine(b.gateway, b.orch, b.lock, b.journal, cfg.ReconcileEngineConfig(), newLogger(out, "[RECONCILE] "))
	b.orch.SetHaltSource(b.reconciler)
	b.orch.OnMutation(b.reconciler.MarkMutation)

	b.restore()

	if cfg.Dashboard.Enabled {
		b.dashboard = dashboard.NewServer(dashboard.Config{
			Location:  b.loc,
			Listen:    cfg.Dashboard.Listen,
			AuthToken: cfg.Dashboard.AuthToken,
		}, dashboard.Dependencies{
			Bot:        b.orch,
			Reconciler: b.reconciler,
			Storage:    b.storage,
			Lock:       b.lock,
			Chain:      b.chainAroundPosition,
			Login:      b.gateway.Login,
			OnExit:     b.persistExit,
		}, newHTTPLogger(out, cfg.Environment.LogLevel))
	}
	return b, nil
}

func loadTokens(cfg *config.Config) (map[string]string, error) {
	f, err := os.Open(cfg.Broker.ScripMaster)
	if err != nil {
		return nil, fmt.Errorf("opening scrip master: %w", err)
	}
	defer f.Close()
	return broker.LoadTokenMap(f, cfg.Broker.Underlying, cfg.Broker.Exchange)
}

// restore seeds the session counters and the halt flag from the state file.
func (b *Bot) restore() {
	sess := b.storage.Session(b.today())
	b.orch.RestoreSession(sess.SessionPnL, sess.Straddles, sess.LastExit, straddle.ExitReason(sess.LastExitReason))
	b.reconciler.Restore(sess.Halted, sess.HaltReason)
	if sess.Straddles > 0 {
		b.logger.Printf("Restored session %s: %d straddle(s), P&L %.2f", sess.Date, sess.Straddles, sess.SessionPnL)
	}
	if sess.Halted {
		b.logger.Printf("Automated entry is HALTED from a previous run: %s", sess.HaltReason)
	}
	if j, ok := b.journal.(*audit.SQLiteJournal); ok {
		since, _ := time.ParseInLocation(storage.DateFormat, b.today(), b.loc)
		if pnl, err := j.RealizedPnL(context.Background(), since); err == nil {
			b.logger.Printf("Audit journal realized P&L today: %s", pnl.StringFixed(2))
		}
	}
}

// Start feeds order updates to the tracker, logs in and starts the dashboard.
func (b *Bot) Start(ctx context.Context) error {
	if b.paper != nil {
		go b.gateway.Tracker().Run(ctx, b.paper.Updates())
	} else {
		go b.orderFeed.Run(ctx)
		go b.gateway.Tracker().Run(ctx, b.orderFeed.Updates())
	}

	b.logger.Println("Logging in to broker...")
	if err := b.lock.TryRun(ctx, lock.OpLogin, b.gateway.Login); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	b.checkUnmanagedPositions(ctx)

	if b.dashboard != nil {
		go func() {
			if err := b.dashboard.Start(); err != nil {
				b.logger.Printf("Dashboard stopped: %v", err)
			}
		}()
	}
	return nil
}

// checkUnmanagedPositions halts automated entry when the venue holds options the bot does not know about.
func (b *Bot) checkUnmanagedPositions(ctx context.Context) {
	if b.orch.Active() {
		return
	}
	positions, err := b.gateway.GetPositions(ctx, true)
	if err != nil {
		b.logger.Printf("Warning: could not check venue positions at startup: %v", err)
		return
	}
	open := 0
	for _, p := range positions {
		if p.NetQty != 0 {
			open++
		}
	}
	if open == 0 {
		return
	}
	reason := fmt.Sprintf("%d unmanaged position(s) at startup", open)
	b.logger.Printf("WARNING: %s; close them at the venue and acknowledge to resume", reason)
	b.reconciler.Restore(true, reason)
	b.persistHalt()
}

// Run evaluates one tick immediately and then on every tick boundary until ctx ends.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Printf("Bot starting main loop (tick %s)...", b.config.TickInterval())
	cycle := NewTradingCycle(b)
	cycle.Run(ctx, b.now())

	for {
		next := nextTick(b.now().In(b.loc), b.config.TickInterval())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			b.shutdown()
			return nil
		case <-timer.C:
			if b.paper != nil {
				b.paper.Step(paperMaxMove)
			}
			cycle.Run(ctx, b.now())
		}
	}
}

func (b *Bot) shutdown() {
	b.logger.Println("Shutdown signal received, stopping bot...")
	if st := b.orch.Snapshot(); st.Active {
		b.logger.Printf("WARNING: straddle still open at shutdown (strike %d); it will need reconciliation on restart", st.Position.Strike)
	}
	if b.dashboard != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.dashboard.Shutdown(ctx); err != nil {
			b.logger.Printf("Dashboard shutdown: %v", err)
		}
	}
}

// Close releases the audit journal.
func (b *Bot) Close() {
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			b.logger.Printf("Close: %v", err)
		}
	}
	b.closers = nil
}

// nextTick returns the first tick boundary after now, counted from local midnight.
func nextTick(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		interval = time.Minute
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	elapsed := now.Sub(midnight)
	return midnight.Add((elapsed/interval + 1) * interval)
}

func (b *Bot) today() string {
	return b.now().In(b.loc).Format(storage.DateFormat)
}

// chainAroundPosition quotes the scan window around spot, plus the open straddle's strike.
func (b *Bot) chainAroundPosition(ctx context.Context) (*models.ChainSnapshot, error) {
	spot, err := b.feed.GetSpot(ctx)
	if err != nil {
		return nil, err
	}
	var extra []int
	if st := b.orch.Snapshot(); st.Position != nil {
		extra = append(extra, st.Position.Strike)
	}
	return b.feed.GetOptionChain(ctx, b.orch.Config().ScanStrikes(spot, extra...))
}

// persistExit books a closed straddle into session storage.
func (b *Bot) persistExit(_ context.Context, s *straddle.ExitSummary) {
	if s == nil {
		return
	}
	rec := storage.ExitRecord{
		ExitedAt: s.ExitedAt.In(b.loc),
		ID:       s.ID,
		Reason:   string(s.Reason),
		Strike:   s.Strike,
		LegPnL:   s.LegPnL,
		HedgePnL: s.HedgePnL,
		Total:    s.Total,
	}
	if err := b.storage.RecordExit(rec); err != nil {
		b.logger.Printf("ERROR: failed to persist exit of %s: %v", s.ID, err)
	}
}

// persistHalt mirrors the reconciliation halt flag into session storage.
func (b *Bot) persistHalt() {
	if err := b.storage.SetHalt(b.reconciler.Halted(), b.reconciler.HaltReason()); err != nil {
		b.logger.Printf("ERROR: failed to persist halt state: %v", err)
	}
}
