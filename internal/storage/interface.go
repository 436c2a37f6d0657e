package storage

import (
	"time"
)

// Interface defines the contract for session state persistence.
//
// Implementations must be safe for concurrent use - the trading cycle, the
// control surface and reconciliation all record through the same store.
type Interface interface {
	// Session state
	Session(date string) SessionState
	RecordExit(rec ExitRecord) error
	SetHalt(halted bool, reason string) error

	// Data persistence
	Save() error
	Load() error

	// Historical data and analytics
	GetHistory() []ExitRecord
	LastExit() (ExitRecord, error)
	GetStatistics() *Statistics
	GetDailyPnL(date string) float64
}

// DateFormat keys daily P&L and session dates
const DateFormat = "2006-01-02"

// SessionState is what survives a restart within one trading day.
// The halt flag survives across days until acknowledged.
type SessionState struct {
	LastExit       time.Time `json:"last_exit,omitempty"`
	Date           string    `json:"date"`
	LastExitReason string    `json:"last_exit_reason,omitempty"`
	HaltReason     string    `json:"halt_reason,omitempty"`
	SessionPnL     float64   `json:"session_pnl"`
	Straddles      int       `json:"straddles"`
	Halted         bool      `json:"halted"`
}

// ExitRecord is one closed straddle
type ExitRecord struct {
	ExitedAt time.Time `json:"exited_at"`
	ID       string    `json:"id"`
	Reason   string    `json:"reason"`
	Strike   int       `json:"strike,omitempty"`
	LegPnL   float64   `json:"leg_pnl"`
	HedgePnL float64   `json:"hedge_pnl"`
	Total    float64   `json:"total"`
}

// Statistics aggregates closed straddles
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	PeakPnL       float64 `json:"peak_pnl"`
	MaxDrawdown   float64 `json:"max_drawdown"` // deepest fall of cumulative P&L from its peak
	CurrentStreak int     `json:"current_streak"`
}

// NewStorage creates a new storage implementation (currently JSON-based)
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
