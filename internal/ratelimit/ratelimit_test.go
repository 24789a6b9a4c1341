package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/shiori-quant/ledgerman/pkg/types"
)

func testExchange() types.ExchangeAccountID {
	return types.ExchangeAccountID{ExchangeID: "reftest", AccountIndex: 0}
}

func TestTryReserveInstantRespectsBudget(t *testing.T) {
	t.Parallel()
	l := NewLimiter(10, time.Second)
	ex := testExchange()
	l.Configure(ex, RequestOrder, 2, time.Second)

	now := time.Now()
	if !l.TryReserveInstant(ex, RequestOrder, now, nil) {
		t.Fatal("first reservation should succeed")
	}
	if !l.TryReserveInstant(ex, RequestOrder, now, nil) {
		t.Fatal("second reservation should succeed")
	}
	if l.TryReserveInstant(ex, RequestOrder, now, nil) {
		t.Error("third reservation should be rejected, budget is 2/sec")
	}
}

func TestTryReserveInstantWindowSlides(t *testing.T) {
	t.Parallel()
	l := NewLimiter(10, time.Second)
	ex := testExchange()
	l.Configure(ex, RequestOrder, 1, 100*time.Millisecond)

	now := time.Now()
	if !l.TryReserveInstant(ex, RequestOrder, now, nil) {
		t.Fatal("reservation should succeed")
	}
	if l.TryReserveInstant(ex, RequestOrder, now, nil) {
		t.Fatal("reservation should be rejected while window is full")
	}
	if !l.TryReserveInstant(ex, RequestOrder, now.Add(150*time.Millisecond), nil) {
		t.Error("reservation should succeed once the window has slid past the prior request")
	}
}

func TestTryReserveGroupReservesAndConsumes(t *testing.T) {
	t.Parallel()
	l := NewLimiter(10, time.Second)
	ex := testExchange()
	l.Configure(ex, RequestOrder, 3, time.Second)

	now := time.Now()
	group, ok := l.TryReserveGroup(ex, RequestOrder, now, 3)
	if !ok {
		t.Fatal("group reservation should succeed within budget")
	}
	if l.TryReserveInstant(ex, RequestOrder, now, nil) {
		t.Error("an instant reservation outside the group should not be able to spend group-reserved slots")
	}
	for i := 0; i < 3; i++ {
		if !l.TryReserveInstant(ex, RequestOrder, now, &group) {
			t.Fatalf("group slot %d should be consumable", i)
		}
	}
	if l.TryReserveInstant(ex, RequestOrder, now, &group) {
		t.Error("group should be exhausted after 3 consumptions")
	}
}

func TestTryReserveGroupRejectsOverBudget(t *testing.T) {
	t.Parallel()
	l := NewLimiter(10, time.Second)
	ex := testExchange()
	l.Configure(ex, RequestOrder, 2, time.Second)

	if _, ok := l.TryReserveGroup(ex, RequestOrder, time.Now(), 3); ok {
		t.Error("group reservation of 3 should fail against a 2-request budget")
	}
}

func TestRemoveGroupReleasesReservedSlots(t *testing.T) {
	t.Parallel()
	l := NewLimiter(10, time.Second)
	ex := testExchange()
	l.Configure(ex, RequestOrder, 2, time.Second)

	now := time.Now()
	group, ok := l.TryReserveGroup(ex, RequestOrder, now, 2)
	if !ok {
		t.Fatal("group reservation should succeed")
	}
	if !l.RemoveGroup(ex, RequestOrder, group, now) {
		t.Fatal("removing an unused group should succeed")
	}
	if !l.TryReserveInstant(ex, RequestOrder, now, nil) {
		t.Error("releasing the group should free its slots for ordinary use")
	}
}

func TestWaitBlocksUntilSlotFrees(t *testing.T) {
	t.Parallel()
	l := NewLimiter(10, time.Second)
	ex := testExchange()
	l.Configure(ex, RequestOrder, 1, 100*time.Millisecond)

	if err := l.Wait(context.Background(), ex, RequestOrder); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(context.Background(), ex, RequestOrder); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected Wait to block roughly 100ms, got %v", elapsed)
	}
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	t.Parallel()
	l := NewLimiter(10, time.Second)
	ex := testExchange()
	l.Configure(ex, RequestOrder, 1, 10*time.Second)

	_ = l.Wait(context.Background(), ex, RequestOrder)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, ex, RequestOrder); err == nil {
		t.Error("expected context deadline error, got nil")
	}
}

func TestDefaultBudgetAppliesWhenUnconfigured(t *testing.T) {
	t.Parallel()
	l := NewLimiter(2, time.Second)
	ex := testExchange()

	now := time.Now()
	if !l.TryReserveInstant(ex, RequestBook, now, nil) {
		t.Fatal("first reservation should succeed under default budget")
	}
	if !l.TryReserveInstant(ex, RequestBook, now, nil) {
		t.Fatal("second reservation should succeed under default budget")
	}
	if l.TryReserveInstant(ex, RequestBook, now, nil) {
		t.Error("third reservation should exceed the default budget of 2")
	}
}
