// audit_positions - A utility to audit the audit journal against the session store
// This script helps identify discrepancies between what the journal recorded and
// what the bot persisted, and straddles that were entered without an exit.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/audit"
	"github.com/eddiefleurent/straddle_hedger/internal/config"
	"github.com/eddiefleurent/straddle_hedger/internal/storage"
)

// Report is the audit of one trading day.
type Report struct {
	Date          string               `json:"date"`
	Session       storage.SessionState `json:"session"`
	Statistics    *storage.Statistics  `json:"statistics,omitempty"`
	Events        []audit.Event        `json:"events"`
	ExitsByReason map[string]int       `json:"exits_by_reason"`
	OpenStraddles []string             `json:"open_straddles,omitempty"`
	JournalPnL    float64              `json:"journal_pnl"`
	StoredPnL     float64              `json:"stored_pnl"`
	Critical      int                  `json:"critical_passes"`
	FailedEntries int                  `json:"failed_entries"`
}

// maskClientCode masks all but the last 4 characters of a client code to prevent PII exposure
func maskClientCode(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		date       = flag.String("date", "", "Trading day to audit (YYYY-MM-DD, default today)")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	loc := cfg.Location()
	if *date == "" {
		*date = time.Now().In(loc).Format(storage.DateFormat)
	}
	since, err := time.ParseInLocation(storage.DateFormat, *date, loc)
	if err != nil {
		log.Fatalf("Invalid date %q: %v", *date, err)
	}

	if *verbose {
		fmt.Printf("Using config: %s\n", *configPath)
		fmt.Printf("Mode: %s, client: %s\n", cfg.Environment.Mode, maskClientCode(cfg.Broker.ClientCode))
		fmt.Printf("Session store: %s\nAudit journal: %s\n\n", cfg.Storage.Path, cfg.Storage.AuditDB)
	}

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	journal, err := audit.OpenSQLite(cfg.Storage.AuditDB)
	if err != nil {
		log.Fatalf("Failed to open audit journal: %v", err)
	}
	defer journal.Close()

	ctx := context.Background()
	until := since.AddDate(0, 0, 1)
	all, err := journal.Events(ctx, since)
	if err != nil {
		log.Fatalf("Failed to read journal: %v", err)
	}
	var events []audit.Event
	for _, e := range all {
		if e.At.Before(until) {
			events = append(events, e)
		}
	}

	report := buildReport(*date, events, store.Session(*date), store.GetDailyPnL(*date))
	report.Statistics = store.GetStatistics()

	// Output results
	if *jsonOutput {
		output, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(output))
		return
	}
	printReport(report, *verbose)

	fmt.Printf("=== ANALYSIS ===\n")
	issues := analyzeReport(report)
	if len(issues) > 0 {
		fmt.Printf("POTENTIAL ISSUES FOUND:\n")
		for i, issue := range issues {
			fmt.Printf("  %d. %s\n", i+1, issue)
		}
	} else {
		fmt.Printf("No obvious issues detected.\n")
	}
}

// buildReport folds the day's journal events and the stored session into a report.
func buildReport(date string, events []audit.Event, session storage.SessionState, storedPnL float64) *Report {
	r := &Report{
		Date:          date,
		Session:       session,
		Events:        events,
		ExitsByReason: make(map[string]int),
		StoredPnL:     storedPnL,
	}
	open := make(map[string]bool)
	for _, e := range events {
		switch e.Kind {
		case audit.StraddleEntered:
			open[e.StraddleID] = true
		case audit.StraddleExited:
			delete(open, e.StraddleID)
			r.ExitsByReason[e.Reason]++
			r.JournalPnL += e.PnL
		case audit.ReconcileCritical:
			r.Critical++
		case audit.EntryFailed:
			r.FailedEntries++
		}
	}
	for id := range open {
		r.OpenStraddles = append(r.OpenStraddles, id)
	}
	sort.Strings(r.OpenStraddles)
	return r
}

// analyzeReport performs basic analysis to identify potential issues
func analyzeReport(r *Report) []string {
	var issues []string

	// Nil-safety checks
	if r == nil {
		return issues
	}

	if r.Session.Halted {
		issues = append(issues, fmt.Sprintf("Automated entry is halted (%s) - acknowledge after checking the account", r.Session.HaltReason))
	}

	if math.Abs(r.JournalPnL-r.StoredPnL) > 0.01 {
		issues = append(issues, fmt.Sprintf("Journal P&L %.2f differs from stored P&L %.2f - an exit may not have been persisted", r.JournalPnL, r.StoredPnL))
	}

	// One open straddle is normal while the bot is running
	if n := len(r.OpenStraddles); n > 0 {
		issues = append(issues, fmt.Sprintf("%d straddle(s) entered without a recorded exit - check venue positions if the bot is stopped", n))
	}

	if r.Critical > 0 {
		issues = append(issues, fmt.Sprintf("%d critical reconciliation pass(es)", r.Critical))
	}

	if r.FailedEntries > 0 {
		issues = append(issues, fmt.Sprintf("%d failed entr(ies) - verify no one-sided short was left behind", r.FailedEntries))
	}

	return issues
}

func printReport(r *Report, verbose bool) {
	fmt.Printf("=== AUDIT %s ===\n", r.Date)
	fmt.Printf("Session: %d straddle(s), P&L %.2f, halted %t\n", r.Session.Straddles, r.Session.SessionPnL, r.Session.Halted)
	fmt.Printf("Journal: %d event(s), realized P&L %.2f\n", len(r.Events), r.JournalPnL)

	reasons := make([]string, 0, len(r.ExitsByReason))
	for reason := range r.ExitsByReason {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Printf("  exit %-18s %d\n", reason, r.ExitsByReason[reason])
	}
	if r.Statistics != nil {
		fmt.Printf("All time: %d trades, win rate %.1f%%, P&L %.2f, max drawdown %.2f\n",
			r.Statistics.TotalTrades, r.Statistics.WinRate, r.Statistics.TotalPnL, r.Statistics.MaxDrawdown)
	}

	if verbose {
		fmt.Printf("\n=== EVENTS ===\n")
		for _, e := range r.Events {
			fmt.Printf("%s %-18s %-8s %-4s %-22s L%d price %.2f pnl %.2f %s\n",
				e.At.Format("15:04:05"), e.Kind, shortID(e.StraddleID), e.Leg, e.Instrument, e.Level, e.Price, e.PnL, e.Reason)
		}
	}
	fmt.Printf("\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
