package eventbus

import (
	"testing"
	"time"

	"github.com/shiori-quant/ledgerman/pkg/types"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New(nil, 4)
	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	bus.PublishBalanceUpdate(BalanceUpdateEvent{Exchange: types.ExchangeAccountID{ExchangeID: "ref"}})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case evt := <-sub.Events():
			if evt.Kind != KindBalanceUpdate {
				t.Fatalf("got kind %v, want KindBalanceUpdate", evt.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive event")
		}
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	bus := New(nil, 1)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.PublishBalanceUpdate(BalanceUpdateEvent{})
	bus.PublishBalanceUpdate(BalanceUpdateEvent{}) // buffer full, must drop not block

	<-sub.Events()
	select {
	case <-sub.Events():
		t.Fatalf("expected second event to have been dropped")
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil, 1)
	sub := bus.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	if ok {
		t.Fatalf("expected channel to be closed after Unsubscribe")
	}
}
