package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/pquerna/otp/totp"

	"github.com/eddiefleurent/straddle_hedger/internal/models"
	"github.com/eddiefleurent/straddle_hedger/internal/ratelimit"
)

const (
	pathLogin       = "/rest/auth/angelbroking/user/v1/loginByPassword"
	pathPlaceOrder  = "/rest/secure/angelbroking/order/v1/placeOrder"
	pathCancelOrder = "/rest/secure/angelbroking/order/v1/cancelOrder"
	pathOrderBook   = "/rest/secure/angelbroking/order/v1/getOrderBook"
	pathPositions   = "/rest/secure/angelbroking/order/v1/getPosition"
	pathLTP         = "/rest/secure/angelbroking/order/v1/getLtpData"
	pathMarketQuote = "/rest/secure/angelbroking/market/v1/quote/"

	maxBatchTokens = 50
	maxErrorBody   = 64 * 1024
)

// RESTConfig configures the SmartAPI client.
type RESTConfig struct {
	BaseURL      string
	APIKey       string
	ClientCode   string
	Password     string
	TOTPSecret   string
	Exchange     string
	ProductType  string
	SpotExchange string
	SpotSymbol   string
	SpotToken    string
	LocalIP      string
	PublicIP     string
	MACAddress   string
	Timeout      time.Duration
}

// RESTVenue implements Venue over the SmartAPI REST endpoints.
type RESTVenue struct {
	client  *resty.Client
	limiter *ratelimit.Limiter
	session *Session
	now     func() time.Time
	cfg     RESTConfig
	mu      sync.RWMutex
}

// Ensure RESTVenue implements Venue at compile time.
var _ Venue = (*RESTVenue)(nil)

// NewRESTVenue creates a client. Calls are spaced by limiter per category.
func NewRESTVenue(cfg RESTConfig, limiter *ratelimit.Limiter) *RESTVenue {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "NFO"
	}
	if cfg.ProductType == "" {
		cfg.ProductType = "CARRYFORWARD"
	}
	if limiter == nil {
		limiter = ratelimit.New(nil)
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("X-UserType", "USER").
		SetHeader("X-SourceID", "WEB").
		SetHeader("X-ClientLocalIP", cfg.LocalIP).
		SetHeader("X-ClientPublicIP", cfg.PublicIP).
		SetHeader("X-MACAddress", cfg.MACAddress).
		SetHeader("X-PrivateKey", cfg.APIKey)

	return &RESTVenue{
		client:  client,
		limiter: limiter,
		now:     time.Now,
		cfg:     cfg,
	}
}

type envelope struct {
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
	Status    bool            `json:"status"`
}

// Session returns the current session, if logged in.
func (v *RESTVenue) Session() (*Session, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.session == nil {
		return nil, false
	}
	s := *v.session
	return &s, true
}

// Login performs a full password + TOTP login and replaces the session.
func (v *RESTVenue) Login(ctx context.Context) (*Session, error) {
	code, err := totp.GenerateCode(v.cfg.TOTPSecret, v.now())
	if err != nil {
		return nil, errors.Wrap(err, "generating totp")
	}
	body := map[string]string{
		"clientcode": v.cfg.ClientCode,
		"password":   v.cfg.Password,
		"totp":       code,
	}
	var data struct {
		JWT          string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := v.do(ctx, ratelimit.Default, http.MethodPost, pathLogin, body, &data, false); err != nil {
		return nil, errors.Wrap(err, "login")
	}
	if data.JWT == "" {
		return nil, &APIError{Status: http.StatusUnauthorized, Code: "AG8003", Message: "login returned no token"}
	}
	s := &Session{
		IssuedAt:     v.now(),
		JWT:          strings.TrimPrefix(data.JWT, "Bearer "),
		RefreshToken: data.RefreshToken,
		FeedToken:    data.FeedToken,
	}
	v.mu.Lock()
	v.session = s
	v.mu.Unlock()
	out := *s
	return &out, nil
}

// PlaceOrder submits a regular-variety order.
func (v *RESTVenue) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if req.Quantity <= 0 {
		return nil, &APIError{Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid quantity %d", req.Quantity)}
	}
	orderType := req.Type
	if orderType == "" {
		orderType = Market
	}
	body := map[string]string{
		"variety":         "NORMAL",
		"tradingsymbol":   req.Instrument.Symbol,
		"symboltoken":     req.Instrument.Token,
		"transactiontype": string(req.Side),
		"exchange":        v.cfg.Exchange,
		"ordertype":       string(orderType),
		"producttype":     v.cfg.ProductType,
		"duration":        "DAY",
		"quantity":        strconv.Itoa(req.Quantity),
		"price":           strconv.FormatFloat(req.Price, 'f', 2, 64),
		"ordertag":        req.Tag,
	}
	var data struct {
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := v.do(ctx, ratelimit.Order, http.MethodPost, pathPlaceOrder, body, &data, true); err != nil {
		return nil, err
	}
	if data.OrderID == "" {
		return nil, errors.Errorf("place order %s %s: empty order id", req.Side, req.Instrument)
	}
	return &OrderResponse{OrderID: data.OrderID, Status: StatePending}, nil
}

// CancelOrder requests cancellation of a regular-variety order.
func (v *RESTVenue) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]string{
		"variety": "NORMAL",
		"orderid": orderID,
	}
	var data struct {
		OrderID string `json:"orderid"`
	}
	if err := v.do(ctx, ratelimit.Order, http.MethodPost, pathCancelOrder, body, &data, true); err != nil {
		return errors.Wrapf(err, "cancel order %s", orderID)
	}
	return nil
}

type orderBookRow struct {
	OrderID      string  `json:"orderid"`
	Status       string  `json:"status"`
	OrderStatus  string  `json:"orderstatus"`
	Text         string  `json:"text"`
	FilledShares string  `json:"filledshares"`
	UpdateTime   string  `json:"updatetime"`
	AveragePrice float64 `json:"averageprice"`
}

func (r orderBookRow) toStatus(now time.Time) *OrderStatus {
	raw := r.OrderStatus
	if raw == "" {
		raw = r.Status
	}
	filled, _ := strconv.Atoi(r.FilledShares)
	return &OrderStatus{
		UpdatedAt:    now,
		OrderID:      r.OrderID,
		Status:       ParseOrderState(raw),
		Message:      r.Text,
		AveragePrice: r.AveragePrice,
		FilledQty:    filled,
	}
}

// OrderStatus looks the order up in today's order book.
func (v *RESTVenue) OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var rows []orderBookRow
	if err := v.do(ctx, ratelimit.OrderBook, http.MethodGet, pathOrderBook, nil, &rows, true); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.OrderID == orderID {
			return r.toStatus(v.now()), nil
		}
	}
	return nil, &APIError{Status: http.StatusNotFound, Message: fmt.Sprintf("order %s not in order book", orderID)}
}

type positionRow struct {
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
	Exchange      string `json:"exchange"`
	NetQty        string `json:"netqty"`
	LTP           string `json:"ltp"`
}

// Positions returns the open option positions on the configured exchange.
func (v *RESTVenue) Positions(ctx context.Context) ([]models.VenuePosition, error) {
	var rows []positionRow
	if err := v.do(ctx, ratelimit.Position, http.MethodGet, pathPositions, nil, &rows, true); err != nil {
		return nil, err
	}
	out := make([]models.VenuePosition, 0, len(rows))
	for _, r := range rows {
		if !strings.EqualFold(r.Exchange, v.cfg.Exchange) {
			continue
		}
		qty, err := strconv.Atoi(r.NetQty)
		if err != nil || qty == 0 {
			continue
		}
		ltp, _ := strconv.ParseFloat(r.LTP, 64)
		strike, kind, _ := ParseOptionSymbol(r.TradingSymbol)
		out = append(out, models.VenuePosition{
			Instrument: models.Instrument{
				Symbol: r.TradingSymbol,
				Token:  r.SymbolToken,
				Strike: strike,
				Kind:   kind,
			},
			NetQty:    qty,
			LastPrice: ltp,
		})
	}
	return out, nil
}

// Quote returns the last traded price of one contract.
func (v *RESTVenue) Quote(ctx context.Context, inst models.Instrument) (float64, error) {
	return v.ltp(ctx, v.cfg.Exchange, inst.Symbol, inst.Token)
}

// Spot returns the underlying index level.
func (v *RESTVenue) Spot(ctx context.Context) (float64, error) {
	return v.ltp(ctx, v.cfg.SpotExchange, v.cfg.SpotSymbol, v.cfg.SpotToken)
}

func (v *RESTVenue) ltp(ctx context.Context, exchange, symbol, token string) (float64, error) {
	body := map[string]string{
		"exchange":      exchange,
		"tradingsymbol": symbol,
		"symboltoken":   token,
	}
	var data struct {
		LTP float64 `json:"ltp"`
	}
	if err := v.do(ctx, ratelimit.Quote, http.MethodPost, pathLTP, body, &data, true); err != nil {
		return 0, err
	}
	if data.LTP <= 0 {
		return 0, errors.Errorf("no price for %s", symbol)
	}
	return data.LTP, nil
}

// BatchQuotes returns prices keyed by token; tokens the venue did not return are absent.
func (v *RESTVenue) BatchQuotes(ctx context.Context, insts []models.Instrument) (map[string]float64, error) {
	seen := make(map[string]bool, len(insts))
	var tokens []string
	for _, inst := range insts {
		if inst.Token != "" && !seen[inst.Token] {
			seen[inst.Token] = true
			tokens = append(tokens, inst.Token)
		}
	}

	out := make(map[string]float64, len(tokens))
	for start := 0; start < len(tokens); start += maxBatchTokens {
		end := start + maxBatchTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		body := map[string]interface{}{
			"mode":           "LTP",
			"exchangeTokens": map[string][]string{v.cfg.Exchange: tokens[start:end]},
		}
		var data struct {
			Fetched []struct {
				SymbolToken string  `json:"symbolToken"`
				LTP         float64 `json:"ltp"`
			} `json:"fetched"`
		}
		if err := v.do(ctx, ratelimit.BatchQuote, http.MethodPost, pathMarketQuote, body, &data, true); err != nil {
			return out, err
		}
		for _, f := range data.Fetched {
			if f.LTP > 0 {
				out[f.SymbolToken] = f.LTP
			}
		}
	}
	return out, nil
}

func (v *RESTVenue) do(ctx context.Context, cat ratelimit.Category, method, path string, body, out interface{}, auth bool) error {
	if err := v.limiter.Wait(ctx, cat); err != nil {
		return errors.Wrapf(err, "rate limit wait for %s", path)
	}

	req := v.client.R().SetContext(ctx)
	if auth {
		s, ok := v.Session()
		if !ok {
			return &APIError{Status: http.StatusUnauthorized, Code: "AG8003", Message: "not logged in"}
		}
		req.SetAuthToken(s.JWT)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}

	raw := resp.Body()
	if !resp.IsSuccess() {
		apiErr := &APIError{Status: resp.StatusCode(), Message: truncate(string(raw), maxErrorBody)}
		var env envelope
		if json.Unmarshal(raw, &env) == nil {
			apiErr.Code = env.ErrorCode
			if env.Message != "" {
				apiErr.Message = env.Message
			}
		}
		return apiErr
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return errors.Errorf("empty response from %s: session expired", path)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.Wrapf(err, "decoding %s response", path)
	}
	if !env.Status {
		return &APIError{Status: resp.StatusCode(), Code: env.ErrorCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Wrapf(err, "decoding %s data", path)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
