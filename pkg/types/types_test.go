package types

import "testing"

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if Buy.Opposite() != Sell {
		t.Errorf("Buy.Opposite() = %v, want Sell", Buy.Opposite())
	}
	if Sell.Opposite() != Buy {
		t.Errorf("Sell.Opposite() = %v, want Buy", Sell.Opposite())
	}
}

func TestExchangeAccountIDString(t *testing.T) {
	t.Parallel()
	id := ExchangeAccountID{ExchangeID: "ref", AccountIndex: 2}
	if got, want := id.String(), "ref/2"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestCurrencyPairString(t *testing.T) {
	t.Parallel()
	p := CurrencyPair{Base: "BTC", Quote: "USDT"}
	if got, want := p.String(), "BTC/USDT"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestConfigurationDescriptorString(t *testing.T) {
	t.Parallel()
	c := ConfigurationDescriptor{ServiceName: "maker", ServiceConfigurationKey: "primary"}
	if got, want := c.String(), "maker:primary"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestEventSourcePolicyAdmits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy EventSourcePolicy
		source EventSourceType
		want   bool
	}{
		{"ALL admits REST", SourceAll, SourceRest, true},
		{"ALL admits WEBSOCKET", SourceAll, SourceWebSocket, true},
		{"ALL admits fallback", SourceAll, SourceRestFallback, true},
		{"FALLBACK_ONLY rejects REST", SourceFallbackOnly, SourceRest, false},
		{"FALLBACK_ONLY admits fallback", SourceFallbackOnly, SourceRestFallback, true},
		{"NON_FALLBACK admits REST", SourceNonFallback, SourceRest, true},
		{"NON_FALLBACK admits WEBSOCKET", SourceNonFallback, SourceWebSocket, true},
		{"NON_FALLBACK rejects fallback", SourceNonFallback, SourceRestFallback, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.policy.Admits(tt.source); got != tt.want {
				t.Errorf("%v.Admits(%v) = %v, want %v", tt.policy, tt.source, got, tt.want)
			}
		})
	}
}
