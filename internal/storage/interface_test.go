package storage

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var ist = time.FixedZone("IST", 5*3600+1800)

// TestInterface tests the storage interface with both implementations
func TestInterface(t *testing.T) {
	t.Run("MockStorage", func(t *testing.T) {
		testInterface(t, NewMockStorage())
	})

	t.Run("JSONStorage", func(t *testing.T) {
		storage, err := NewJSONStorage(filepath.Join(t.TempDir(), "state.json"))
		if err != nil {
			t.Fatalf("Failed to create JSON storage: %v", err)
		}
		testInterface(t, storage)
	})
}

// testInterface runs common tests on any storage implementation
func testInterface(t *testing.T, storage Interface) {
	t.Helper()
	day := time.Date(2025, 11, 20, 11, 0, 0, 0, ist)
	date := day.Format(DateFormat)

	s := storage.Session(date)
	if s.Straddles != 0 || s.SessionPnL != 0 || s.Halted {
		t.Fatalf("Expected empty session, got %+v", s)
	}
	if _, err := storage.LastExit(); !errors.Is(err, ErrNoExits) {
		t.Errorf("Expected ErrNoExits, got %v", err)
	}

	exits := []ExitRecord{
		{ExitedAt: day, ID: "a", Reason: "premium_ratio", Strike: 26000, LegPnL: 2000, HedgePnL: -500, Total: 1500},
		{ExitedAt: day.Add(time.Hour), ID: "b", Reason: "hard_stop_ce", Strike: 26100, LegPnL: -4000, HedgePnL: 1000, Total: -3000},
		{ExitedAt: day.Add(2 * time.Hour), ID: "c", Reason: "square_off", Strike: 26050, Total: 500},
	}
	for _, rec := range exits {
		if err := storage.RecordExit(rec); err != nil {
			t.Fatalf("RecordExit(%s): %v", rec.ID, err)
		}
	}

	s = storage.Session(date)
	if s.Straddles != 3 {
		t.Errorf("Expected 3 straddles, got %d", s.Straddles)
	}
	if s.SessionPnL != -1000 {
		t.Errorf("Expected session P&L -1000, got %v", s.SessionPnL)
	}
	if s.LastExitReason != "square_off" || !s.LastExit.Equal(exits[2].ExitedAt) {
		t.Errorf("Unexpected last exit: %v %s", s.LastExit, s.LastExitReason)
	}
	if got := storage.GetDailyPnL(date); got != -1000 {
		t.Errorf("Expected daily P&L -1000, got %v", got)
	}

	last, err := storage.LastExit()
	if err != nil || last.ID != "c" {
		t.Errorf("LastExit = %+v, %v", last, err)
	}
	history := storage.GetHistory()
	if len(history) != 3 || history[0].ID != "a" {
		t.Fatalf("Unexpected history: %+v", history)
	}
	history[0].Total = 999
	if storage.GetHistory()[0].Total == 999 {
		t.Error("GetHistory leaked internal state (mutation visible)")
	}

	stats := storage.GetStatistics()
	if stats.TotalTrades != 3 || stats.WinningTrades != 2 || stats.LosingTrades != 1 {
		t.Errorf("Unexpected counts: %+v", stats)
	}
	if math.Abs(stats.WinRate-66.666) > 0.01 {
		t.Errorf("Expected win rate ~66.67, got %v", stats.WinRate)
	}
	if stats.AverageWin != 1000 || stats.AverageLoss != -3000 {
		t.Errorf("Unexpected averages: win %v loss %v", stats.AverageWin, stats.AverageLoss)
	}
	if stats.MaxDrawdown != -3000 {
		t.Errorf("Expected max drawdown -3000 from peak 1500, got %v", stats.MaxDrawdown)
	}
	if stats.CurrentStreak != 1 {
		t.Errorf("Expected streak 1, got %d", stats.CurrentStreak)
	}

	// the halt flag outlives the trading day; counters do not
	if err := storage.SetHalt(true, "all positions closed externally"); err != nil {
		t.Fatalf("SetHalt: %v", err)
	}
	next := storage.Session(day.AddDate(0, 0, 1).Format(DateFormat))
	if next.Straddles != 0 || next.SessionPnL != 0 {
		t.Errorf("Expected fresh counters on a new day, got %+v", next)
	}
	if !next.Halted || next.HaltReason != "all positions closed externally" {
		t.Errorf("Expected halt carried over, got %+v", next)
	}
}

func TestJSONStorage_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	day := time.Date(2025, 11, 20, 14, 0, 0, 0, ist)

	s1, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage: %v", err)
	}
	if err := s1.RecordExit(ExitRecord{ExitedAt: day, ID: "x", Reason: "manual", Total: 1234.5}); err != nil {
		t.Fatalf("RecordExit: %v", err)
	}
	if err := s1.SetHalt(true, "3 consecutive reconciliation mismatches"); err != nil {
		t.Fatalf("SetHalt: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	s2, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	sess := s2.Session(day.Format(DateFormat))
	if sess.Straddles != 1 || sess.SessionPnL != 1234.5 || sess.LastExitReason != "manual" {
		t.Errorf("session not restored: %+v", sess)
	}
	if !sess.Halted {
		t.Error("halt not restored")
	}
	if s2.GetStatistics().TotalTrades != 1 {
		t.Error("statistics not restored")
	}

	if err := s2.SetHalt(false, "ignored"); err != nil {
		t.Fatalf("clear halt: %v", err)
	}
	if got := s2.Session(day.Format(DateFormat)); got.Halted || got.HaltReason != "" {
		t.Errorf("halt not cleared: %+v", got)
	}
}

func TestJSONStorage_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewJSONStorage(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestJSONStorage_HistoryBounded(t *testing.T) {
	s, err := NewJSONStorage(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2025, 11, 20, 10, 0, 0, 0, ist)
	s.data.History = make([]ExitRecord, maxHistory)
	if err := s.RecordExit(ExitRecord{ExitedAt: start, ID: "newest"}); err != nil {
		t.Fatal(err)
	}
	h := s.GetHistory()
	if len(h) != maxHistory || h[len(h)-1].ID != "newest" {
		t.Errorf("history len %d, last %q", len(h), h[len(h)-1].ID)
	}
}

// TestMockStorageSpecificFeatures tests mock-specific features
func TestMockStorageSpecificFeatures(t *testing.T) {
	mock := NewMockStorage()

	testErr := &MockError{"test save error"}
	mock.SetSaveError(testErr)
	if err := mock.Save(); err != testErr {
		t.Errorf("Expected injected save error, got %v", err)
	}
	if err := mock.SetHalt(true, "x"); err != testErr {
		t.Errorf("Expected injected error from SetHalt, got %v", err)
	}

	mock.SetSaveError(nil)
	if err := mock.Save(); err != nil {
		t.Errorf("Unexpected save error: %v", err)
	}
	if mock.GetSaveCallCount() != 3 {
		t.Errorf("Expected 3 save calls, got %d", mock.GetSaveCallCount())
	}

	mock.SetSession(SessionState{Date: "2025-11-20", Straddles: 2, SessionPnL: 125.5})
	if got := mock.Session("2025-11-20"); got.Straddles != 2 || got.SessionPnL != 125.5 {
		t.Errorf("SetSession not visible: %+v", got)
	}
}

// MockError is a simple error type for testing
type MockError struct {
	message string
}

func (e *MockError) Error() string {
	return e.message
}
