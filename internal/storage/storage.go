package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxHistory bounds the exits kept in the state file
const maxHistory = 500

// JSONStorage keeps session state in a single JSON file written atomically.
type JSONStorage struct {
	data     *StorageData
	filepath string
	mu       sync.RWMutex
}

// StorageData is the on-disk document.
type StorageData struct {
	LastUpdated time.Time          `json:"last_updated"`
	Statistics  *Statistics        `json:"statistics"`
	DailyPnL    map[string]float64 `json:"daily_pnl"`
	Session     SessionState       `json:"session"`
	History     []ExitRecord       `json:"history"`
}

// NewJSONStorage opens path, loading it if it exists.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: path,
		data:     newStorageData(),
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat storage: %w", err)
	}
	return s, nil
}

func newStorageData() *StorageData {
	return &StorageData{
		DailyPnL:   make(map[string]float64),
		Statistics: &Statistics{},
	}
}

// Load replaces the in-memory state with the file contents.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	data := newStorageData()
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("decode %s: %w", s.filepath, err)
	}
	if data.DailyPnL == nil {
		data.DailyPnL = make(map[string]float64)
	}
	if data.Statistics == nil {
		data.Statistics = &Statistics{}
	}
	s.data = data
	return nil
}

// Save writes the state to a temp file and renames it over the old one.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpFile, s.filepath); err != nil {
		_ = os.Remove(tmpFile)
		return err
	}
	return nil
}

// Session returns the session for date. Counters from an earlier date are not carried over.
func (s *JSONStorage) Session(date string) SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sessionFor(s.data.Session, date)
}

// RecordExit books a closed straddle into the session, daily P&L, statistics and history.
func (s *JSONStorage) RecordExit(rec ExitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := rec.ExitedAt.Format(DateFormat)
	s.data.Session = sessionFor(s.data.Session, date)
	s.data.Session.SessionPnL += rec.Total
	s.data.Session.Straddles++
	s.data.Session.LastExit = rec.ExitedAt
	s.data.Session.LastExitReason = rec.Reason

	s.data.DailyPnL[date] += rec.Total
	updateStatistics(s.data.Statistics, rec.Total)

	s.data.History = append(s.data.History, rec)
	if n := len(s.data.History); n > maxHistory {
		s.data.History = append([]ExitRecord(nil), s.data.History[n-maxHistory:]...)
	}
	return s.saveLocked()
}

// SetHalt persists the reconciliation halt flag.
func (s *JSONStorage) SetHalt(halted bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Session.Halted == halted && s.data.Session.HaltReason == reason {
		return nil
	}
	s.data.Session.Halted = halted
	s.data.Session.HaltReason = reason
	if !halted {
		s.data.Session.HaltReason = ""
	}
	return s.saveLocked()
}

// GetHistory returns a copy of recorded exits, oldest first.
func (s *JSONStorage) GetHistory() []ExitRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ExitRecord(nil), s.data.History...)
}

// LastExit returns the most recent exit.
func (s *JSONStorage) LastExit() (ExitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.data.History) == 0 {
		return ExitRecord{}, ErrNoExits
	}
	return s.data.History[len(s.data.History)-1], nil
}

// GetStatistics returns a copy of the aggregate statistics.
func (s *JSONStorage) GetStatistics() *Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := *s.data.Statistics
	return &stats
}

// GetDailyPnL returns realized P&L for date (YYYY-MM-DD).
func (s *JSONStorage) GetDailyPnL(date string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[date]
}

func sessionFor(cur SessionState, date string) SessionState {
	if cur.Date == date {
		return cur
	}
	return SessionState{Date: date, Halted: cur.Halted, HaltReason: cur.HaltReason}
}

// updateStatistics folds one closed straddle into stats. Breakeven counts as neither win nor loss.
func updateStatistics(stats *Statistics, pnl float64) {
	stats.TotalTrades++
	stats.TotalPnL += pnl

	switch {
	case pnl > 0:
		stats.WinningTrades++
		if stats.CurrentStreak >= 0 {
			stats.CurrentStreak++
		} else {
			stats.CurrentStreak = 1
		}
		stats.AverageWin += (pnl - stats.AverageWin) / float64(stats.WinningTrades)
	case pnl < 0:
		stats.LosingTrades++
		if stats.CurrentStreak <= 0 {
			stats.CurrentStreak--
		} else {
			stats.CurrentStreak = -1
		}
		stats.AverageLoss += (pnl - stats.AverageLoss) / float64(stats.LosingTrades)
	}

	if decided := stats.WinningTrades + stats.LosingTrades; decided > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(decided) * 100
	}

	if stats.TotalPnL > stats.PeakPnL {
		stats.PeakPnL = stats.TotalPnL
	}
	if dd := stats.TotalPnL - stats.PeakPnL; dd < stats.MaxDrawdown {
		stats.MaxDrawdown = dd
	}
}
