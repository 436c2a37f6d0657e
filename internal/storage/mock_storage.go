package storage

import (
	"sync"
)

// MockStorage implements Interface in memory for testing
type MockStorage struct {
	saveError     error
	loadError     error
	dailyPnL      map[string]float64
	statistics    *Statistics
	session       SessionState
	history       []ExitRecord
	saveCallCount int
	loadCallCount int
	mu            sync.Mutex
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		dailyPnL:   make(map[string]float64),
		statistics: &Statistics{},
	}
}

// Session state methods
func (m *MockStorage) Session(date string) SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sessionFor(m.session, date)
}

func (m *MockStorage) RecordExit(rec ExitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	date := rec.ExitedAt.Format(DateFormat)
	m.session = sessionFor(m.session, date)
	m.session.SessionPnL += rec.Total
	m.session.Straddles++
	m.session.LastExit = rec.ExitedAt
	m.session.LastExitReason = rec.Reason
	m.dailyPnL[date] += rec.Total
	updateStatistics(m.statistics, rec.Total)
	m.history = append(m.history, rec)
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) SetHalt(halted bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Halted = halted
	m.session.HaltReason = reason
	m.saveCallCount++
	return m.saveError
}

// Data persistence methods (mocked)
func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	return m.loadError
}

// Historical data and analytics
func (m *MockStorage) GetHistory() []ExitRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExitRecord(nil), m.history...)
}

func (m *MockStorage) LastExit() (ExitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return ExitRecord{}, ErrNoExits
	}
	return m.history[len(m.history)-1], nil
}

func (m *MockStorage) GetStatistics() *Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := *m.statistics
	return &stats
}

func (m *MockStorage) GetDailyPnL(date string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL[date]
}

// Mock control methods for testing
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStorage) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}

func (m *MockStorage) SetSession(s SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
