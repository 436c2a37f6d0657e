package broker

import (
	"strings"
	"testing"

	"github.com/eddiefleurent/straddle_hedger/internal/models"
)

func TestParseOptionSymbol(t *testing.T) {
	tests := []struct {
		symbol string
		strike int
		kind   models.OptionKind
		ok     bool
	}{
		{"NIFTY25NOV2525900CE", 25900, models.Call, true},
		{"nifty25nov2526100pe", 26100, models.Put, true},
		{"NIFTY25NOV25FUT", 0, "", false},
		{"CE", 0, "", false},
		{"NIFTY25NOV25ABCDECE", 0, "", false},
	}
	for _, tt := range tests {
		strike, kind, ok := ParseOptionSymbol(tt.symbol)
		if ok != tt.ok || strike != tt.strike || kind != tt.kind {
			t.Errorf("ParseOptionSymbol(%q) = (%d, %q, %v), want (%d, %q, %v)",
				tt.symbol, strike, kind, ok, tt.strike, tt.kind, tt.ok)
		}
	}
}

func TestNewSymbolResolver_ValidatesExpiry(t *testing.T) {
	for _, bad := range []string{"", "25NOV2025", "32NOV25", "25XYZ25"} {
		if _, err := NewSymbolResolver("NIFTY", bad, nil); err == nil {
			t.Errorf("expiry %q should be rejected", bad)
		}
	}
	r, err := NewSymbolResolver("nifty", "25nov25", nil)
	if err != nil {
		t.Fatalf("NewSymbolResolver: %v", err)
	}
	if got := r.Symbol(26000, models.Call); got != "NIFTY25NOV2526000CE" {
		t.Errorf("Symbol = %q", got)
	}
}

func TestSymbolResolver_Option(t *testing.T) {
	tokens := map[string]string{"NIFTY25NOV2526000PE": "43211"}
	r, err := NewSymbolResolver("NIFTY", "25NOV25", tokens)
	if err != nil {
		t.Fatalf("NewSymbolResolver: %v", err)
	}

	inst, err := r.Option(26000, models.Put)
	if err != nil {
		t.Fatalf("Option: %v", err)
	}
	if inst.Token != "43211" || inst.Strike != 26000 || inst.Kind != models.Put {
		t.Errorf("Option = %+v", inst)
	}
	if _, err := r.Option(26050, models.Put); err == nil {
		t.Error("missing token should fail")
	}
	if _, err := r.Option(26000, "XX"); err == nil {
		t.Error("invalid kind should fail")
	}
}

func TestLoadTokenMap(t *testing.T) {
	master := `[
		{"token":"1","symbol":"NIFTY25NOV2526000CE","name":"NIFTY","exch_seg":"NFO"},
		{"token":"2","symbol":"NIFTY25NOV2526000PE","name":"NIFTY","exch_seg":"NFO"},
		{"token":"3","symbol":"BANKNIFTY25NOV2552000CE","name":"BANKNIFTY","exch_seg":"NFO"},
		{"token":"4","symbol":"NIFTY25NOVFUT","name":"NIFTY","exch_seg":"NFO"},
		{"token":"5","symbol":"NIFTY","name":"NIFTY","exch_seg":"NSE"}
	]`
	tokens, err := LoadTokenMap(strings.NewReader(master), "NIFTY", "NFO")
	if err != nil {
		t.Fatalf("LoadTokenMap: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("got %d tokens, want 2: %v", len(tokens), tokens)
	}
	if tokens["NIFTY25NOV2526000PE"] != "2" {
		t.Errorf("PE token = %q", tokens["NIFTY25NOV2526000PE"])
	}

	if _, err := LoadTokenMap(strings.NewReader(master), "FINNIFTY", "NFO"); err == nil {
		t.Error("no matching rows should fail")
	}
	if _, err := LoadTokenMap(strings.NewReader("{"), "NIFTY", "NFO"); err == nil {
		t.Error("malformed json should fail")
	}
}
