package blocker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shiori-quant/ledgerman/internal/concurrency"
	"github.com/shiori-quant/ledgerman/pkg/types"
)

func testExchange() types.ExchangeAccountID {
	return types.ExchangeAccountID{ExchangeID: "ref", AccountIndex: 0}
}

func TestBlockAndManualUnblock(t *testing.T) {
	b := New(nil)
	defer b.Stop()
	ex := testExchange()

	if b.IsBlocked(ex) {
		t.Fatalf("exchange should not start blocked")
	}
	if err := b.Block(ex, "RateLimit", BlockType{Manual: true}); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if !b.IsBlockedByReason(ex, "RateLimit") {
		t.Fatalf("expected RateLimit block to be active")
	}

	if err := b.Unblock(ex, "RateLimit"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.WaitUnblock(ctx, ex); err != nil {
		t.Fatalf("WaitUnblock: %v", err)
	}
	if b.IsBlocked(ex) {
		t.Fatalf("exchange should be unblocked")
	}
}

func TestTimedBlockExpiresOnItsOwn(t *testing.T) {
	b := New(nil)
	defer b.Stop()
	ex := testExchange()

	if err := b.Block(ex, "Reconnect", BlockType{Duration: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if !b.IsBlocked(ex) {
		t.Fatalf("expected block to be active immediately")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.WaitUnblockWithReason(ctx, ex, "Reconnect"); err != nil {
		t.Fatalf("WaitUnblockWithReason: %v", err)
	}
}

func TestManualBlockRejectedOverTimedBlock(t *testing.T) {
	b := New(nil)
	defer b.Stop()
	ex := testExchange()

	if err := b.Block(ex, "Reconnect", BlockType{Duration: time.Minute}); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if err := b.Block(ex, "Reconnect", BlockType{Manual: true}); err == nil {
		t.Fatalf("expected manual block to be rejected while timed block is active")
	}
}

func TestHandlerSeesBlockedAndUnblockedMoments(t *testing.T) {
	b := New(nil)
	defer b.Stop()
	ex := testExchange()

	var mu sync.Mutex
	var moments []Moment
	b.RegisterHandler(func(evt Event, _ concurrency.CancellationToken) {
		mu.Lock()
		moments = append(moments, evt.Moment)
		mu.Unlock()
	})

	if err := b.Block(ex, "RateLimit", BlockType{Manual: true}); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if err := b.Unblock(ex, "RateLimit"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.WaitUnblock(ctx, ex); err != nil {
		t.Fatalf("WaitUnblock: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(moments) != 3 || moments[0] != MomentBlocked || moments[1] != MomentBeforeUnblocked || moments[2] != MomentUnblocked {
		t.Fatalf("got moments %v, want [Blocked BeforeUnblocked Unblocked]", moments)
	}
}
