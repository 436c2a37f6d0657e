package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/straddle_hedger/internal/models"
)

// ParseOptionSymbol extracts strike and kind from a symbol like NIFTY25NOV2525900CE.
// The strike is the five digits before the kind suffix.
func ParseOptionSymbol(symbol string) (int, models.OptionKind, bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) < 7 {
		return 0, "", false
	}
	kind := models.OptionKind(s[len(s)-2:])
	if !kind.Valid() {
		return 0, "", false
	}
	digits := s[len(s)-7 : len(s)-2]
	strike, err := strconv.Atoi(digits)
	if err != nil {
		return 0, "", false
	}
	return strike, kind, true
}

// SymbolResolver builds weekly option symbols for one underlying and expiry.
type SymbolResolver struct {
	tokens     map[string]string
	underlying string
	expiry     string
}

// NewSymbolResolver validates expiry (DDMMMYY, e.g. 25NOV25).
// tokens maps trading symbol to venue token; when nil the symbol doubles as token.
func NewSymbolResolver(underlying, expiry string, tokens map[string]string) (*SymbolResolver, error) {
	expiry = strings.ToUpper(strings.TrimSpace(expiry))
	if len(expiry) != 7 {
		return nil, fmt.Errorf("expiry %q must be DDMMMYY", expiry)
	}
	if _, err := time.Parse("02Jan06", expiry[:2]+expiry[2:3]+strings.ToLower(expiry[3:5])+expiry[5:]); err != nil {
		return nil, fmt.Errorf("expiry %q must be DDMMMYY: %w", expiry, err)
	}
	return &SymbolResolver{
		tokens:     tokens,
		underlying: strings.ToUpper(underlying),
		expiry:     expiry,
	}, nil
}

// Ensure SymbolResolver implements Resolver at compile time.
var _ Resolver = (*SymbolResolver)(nil)

// Symbol returns the trading symbol for strike and kind.
func (r *SymbolResolver) Symbol(strike int, kind models.OptionKind) string {
	return r.underlying + r.expiry + strconv.Itoa(strike) + string(kind)
}

// Option resolves a contract.
func (r *SymbolResolver) Option(strike int, kind models.OptionKind) (models.Instrument, error) {
	if !kind.Valid() {
		return models.Instrument{}, fmt.Errorf("unknown option kind %q", kind)
	}
	sym := r.Symbol(strike, kind)
	token := sym
	if r.tokens != nil {
		t, ok := r.tokens[sym]
		if !ok {
			return models.Instrument{}, fmt.Errorf("no token for %s", sym)
		}
		token = t
	}
	return models.Instrument{Symbol: sym, Token: token, Strike: strike, Kind: kind}, nil
}

type scripRow struct {
	Token  string `json:"token"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Exch   string `json:"exch_seg"`
}

// LoadTokenMap reads a locally stored scrip master and keeps the options of one underlying.
func LoadTokenMap(r io.Reader, underlying, exchange string) (map[string]string, error) {
	var rows []scripRow
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding scrip master: %w", err)
	}
	underlying = strings.ToUpper(underlying)
	tokens := make(map[string]string)
	for _, row := range rows {
		if !strings.EqualFold(row.Exch, exchange) || !strings.EqualFold(row.Name, underlying) {
			continue
		}
		if _, _, ok := ParseOptionSymbol(row.Symbol); !ok {
			continue
		}
		tokens[strings.ToUpper(row.Symbol)] = row.Token
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no %s options on %s in scrip master", underlying, exchange)
	}
	return tokens, nil
}
