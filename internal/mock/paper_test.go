package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/eddiefleurent/straddle_hedger/internal/broker"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
)

var (
	ce26000 = models.Instrument{Symbol: "NIFTY25NOV2526000CE", Token: "NIFTY25NOV2526000CE", Strike: 26000, Kind: models.Call}
	pe26000 = models.Instrument{Symbol: "NIFTY25NOV2526000PE", Token: "NIFTY25NOV2526000PE", Strike: 26000, Kind: models.Put}
)

func TestPaperVenue_FillUpdatesPositions(t *testing.T) {
	ctx := context.Background()
	v := NewScriptedVenue(26010)
	v.SetPremium(ce26000, 150)

	resp, err := v.PlaceOrder(ctx, broker.OrderRequest{Instrument: ce26000, Side: models.Sell, Quantity: 65})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.Status != broker.StatePending {
		t.Errorf("placement status = %s, want pending", resp.Status)
	}

	st, err := v.OrderStatus(ctx, resp.OrderID)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if st.Status != broker.StateComplete || st.AveragePrice != 150 || st.FilledQty != 65 {
		t.Errorf("status = %+v", st)
	}
	if got := v.NetQty(ce26000); got != -65 {
		t.Errorf("net qty = %d, want -65", got)
	}

	select {
	case u := <-v.Updates():
		if u.OrderID != resp.OrderID || !u.Status.Filled() {
			t.Errorf("update = %+v", u)
		}
	default:
		t.Error("expected an order update")
	}

	// buying back flattens the position
	if _, err := v.PlaceOrder(ctx, broker.OrderRequest{Instrument: ce26000, Side: models.Buy, Quantity: 65}); err != nil {
		t.Fatal(err)
	}
	pos, _ := v.Positions(ctx)
	if len(pos) != 0 {
		t.Errorf("positions = %+v, want none", pos)
	}
}

func TestPaperVenue_RejectAndHold(t *testing.T) {
	ctx := context.Background()
	v := NewScriptedVenue(26000)
	v.SetPremium(ce26000, 150)
	v.SetPremium(pe26000, 140)
	v.Reject(ce26000, "insufficient margin")
	v.Hold(pe26000)

	r1, _ := v.PlaceOrder(ctx, broker.OrderRequest{Instrument: ce26000, Side: models.Sell, Quantity: 65})
	st, _ := v.OrderStatus(ctx, r1.OrderID)
	if st.Status != broker.StateRejected || st.Message != "insufficient margin" {
		t.Errorf("rejected status = %+v", st)
	}

	r2, _ := v.PlaceOrder(ctx, broker.OrderRequest{Instrument: pe26000, Side: models.Sell, Quantity: 65})
	st, _ = v.OrderStatus(ctx, r2.OrderID)
	if st.Status != broker.StateOpen {
		t.Errorf("held status = %s, want open", st.Status)
	}
	if v.NetQty(ce26000) != 0 || v.NetQty(pe26000) != 0 {
		t.Error("unfilled orders must not change positions")
	}
	if len(v.Orders()) != 2 {
		t.Errorf("orders = %d, want 2", len(v.Orders()))
	}
}

func TestPaperVenue_CancelOrder(t *testing.T) {
	ctx := context.Background()
	v := NewScriptedVenue(26000)
	v.SetPremium(ce26000, 150)
	v.SetPremium(pe26000, 140)
	v.Hold(pe26000)

	held, _ := v.PlaceOrder(ctx, broker.OrderRequest{Instrument: pe26000, Side: models.Sell, Quantity: 65})
	done, _ := v.PlaceOrder(ctx, broker.OrderRequest{Instrument: ce26000, Side: models.Sell, Quantity: 65})
	for len(v.Updates()) > 0 {
		<-v.Updates()
	}

	boom := errors.New("exchange busy")
	v.FailCancel(boom)
	if err := v.CancelOrder(ctx, held.OrderID); !errors.Is(err, boom) {
		t.Fatalf("CancelOrder with failure = %v, want %v", err, boom)
	}
	if st, _ := v.OrderStatus(ctx, held.OrderID); st.Status != broker.StateOpen {
		t.Errorf("failed cancel changed status to %s", st.Status)
	}

	v.FailCancel(nil)
	if err := v.CancelOrder(ctx, held.OrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if st, _ := v.OrderStatus(ctx, held.OrderID); st.Status != broker.StateCancelled {
		t.Errorf("status = %s, want cancelled", st.Status)
	}
	select {
	case u := <-v.Updates():
		if u.OrderID != held.OrderID || u.Status != broker.StateCancelled {
			t.Errorf("update = %+v", u)
		}
	default:
		t.Error("expected a cancellation update")
	}

	var apiErr *broker.APIError
	if err := v.CancelOrder(ctx, done.OrderID); !errors.As(err, &apiErr) {
		t.Errorf("cancelling a filled order = %v, want API error", err)
	}
	if err := v.CancelOrder(ctx, "nope"); !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Errorf("cancelling an unknown order = %v, want 404", err)
	}
}

func TestPaperVenue_FailPlacement(t *testing.T) {
	v := NewScriptedVenue(26000)
	v.SetPremium(ce26000, 150)
	boom := errors.New("connection reset")
	v.FailPlacement(boom)
	if _, err := v.PlaceOrder(context.Background(), broker.OrderRequest{Instrument: ce26000, Side: models.Sell, Quantity: 65}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	v.FailPlacement(nil)
	if _, err := v.PlaceOrder(context.Background(), broker.OrderRequest{Instrument: ce26000, Side: models.Sell, Quantity: 65}); err != nil {
		t.Fatalf("PlaceOrder after clear: %v", err)
	}
}

func TestPaperVenue_UnknownOrder(t *testing.T) {
	v := NewScriptedVenue(26000)
	_, err := v.OrderStatus(context.Background(), "nope")
	var apiErr *broker.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Fatalf("err = %v, want 404", err)
	}
}

func TestPaperVenue_ScriptedQuotes(t *testing.T) {
	ctx := context.Background()
	v := NewScriptedVenue(26000)
	if _, err := v.Quote(ctx, ce26000); err == nil {
		t.Error("scripted venue should not price unknown instruments")
	}
	v.SetPremium(ce26000, 150)
	got, err := v.BatchQuotes(ctx, []models.Instrument{ce26000, pe26000})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[ce26000.Key()] != 150 {
		t.Errorf("batch = %v", got)
	}
	v.SetSpot(0)
	if _, err := v.Spot(ctx); err == nil {
		t.Error("zero spot should fail")
	}
}

func TestPaperVenue_ModelPricing(t *testing.T) {
	ctx := context.Background()
	v := NewPaperVenue(26000)

	atmCall, err := v.Quote(ctx, ce26000)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	otm := models.Instrument{Symbol: "NIFTY25NOV2526300CE", Strike: 26300, Kind: models.Call}
	otmCall, _ := v.Quote(ctx, otm)
	if atmCall <= otmCall {
		t.Errorf("ATM call %v should exceed OTM call %v", atmCall, otmCall)
	}

	v.SetSpot(26300)
	higher, _ := v.Quote(ctx, ce26000)
	if higher < 300 {
		t.Errorf("ITM call %v should carry intrinsic value of 300", higher)
	}
}

func TestModelPremium(t *testing.T) {
	tests := []struct {
		name         string
		spot, strike float64
		kind         models.OptionKind
		min, max     float64
	}{
		{"atm call", 26000, 26000, models.Call, 50, 200},
		{"deep otm put", 26000, 24000, models.Put, 0.05, 0.05},
		{"itm put", 26000, 26500, models.Put, 500, 600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := modelPremium(tt.spot, tt.strike, tt.kind, 0.15, 3)
			if got < tt.min || got > tt.max {
				t.Errorf("modelPremium = %v, want [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}
