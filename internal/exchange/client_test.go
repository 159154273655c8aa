package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"mercury/internal/config"
	"mercury/pkg/types"
)

func newDryRunClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Client{
		dryRun: true,
		rl:     NewRateLimiter(),
		logger: logger,
	}
}

func TestDryRunPlaceOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	order, err := c.PlaceOrder(context.Background(), OrderRequest{
		TokenID:     "tok1",
		Side:        types.BUY,
		Price:       dec("0.48"),
		Size:        dec("10"),
		TimeInForce: types.TifFOK,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if order.Status != types.OrderMatched {
		t.Errorf("status = %s, want MATCHED", order.Status)
	}
	if order.OrderID == "" {
		t.Error("OrderID is empty")
	}
	if !order.FilledSize.Equal(dec("10")) {
		t.Errorf("filled size = %v, want 10", order.FilledSize)
	}
	if !order.FilledCost.Equal(dec("4.8")) {
		t.Errorf("filled cost = %v, want 4.8", order.FilledCost)
	}
}

func TestDryRunCancelOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.CancelOrder(context.Background(), "order-1"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func TestDryRunCancelAll(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.CancelAll(context.Background()); err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
}

func TestMapOrderStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want types.OrderStatus
	}{
		{"matched", types.OrderMatched},
		{"MATCHED", types.OrderMatched},
		{"live", types.OrderLive},
		{"delayed", types.OrderLive},
		{"unmatched", types.OrderRejected},
		{"bogus", types.OrderFailed},
	}
	for _, tc := range cases {
		if got := mapOrderStatus(tc.in); got != tc.want {
			t.Errorf("mapOrderStatus(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestNewClientDryRunFromConfig(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Config{DryRun: true, API: config.APIConfig{CLOBBaseURL: "http://localhost"}}
	auth := &Auth{}
	c := NewClient(cfg, auth, logger)

	if !c.dryRun {
		t.Error("client.dryRun should be true when config.DryRun is true")
	}
}

func TestOrderErrorTaxonomy(t *testing.T) {
	t.Parallel()

	transient := wrapErr("place order", KindUnavailable, context.DeadlineExceeded)
	if !IsTransient(transient) {
		t.Error("5xx failure not classified transient")
	}

	permanent := wrapErr("place order", KindValidation, context.DeadlineExceeded)
	if IsTransient(permanent) {
		t.Error("validation failure classified transient")
	}

	if kindFromStatus(429) != KindRateLimited {
		t.Errorf("429 → %s, want rate_limited", kindFromStatus(429))
	}
	if kindFromStatus(503) != KindUnavailable {
		t.Errorf("503 → %s, want unavailable", kindFromStatus(503))
	}
	if kindFromStatus(401) != KindAuth {
		t.Errorf("401 → %s, want auth", kindFromStatus(401))
	}
}
