package session

import (
	"context"
	"sync"

	"signalcore/pkg/exchanges/common"
)

// Session is a live, authenticated adapter bound to one credential set.
// It embeds the adapter and serializes order placement: exchanges assign
// ids per key nonce, and interleaved placements from concurrent callers on
// the same credentials race exchange-side.
type Session struct {
	common.Adapter

	AccountID int64
	Exchange  common.ExchangeKind

	placeMu sync.Mutex
}

// PlaceOrder serializes order submission per session.
func (s *Session) PlaceOrder(ctx context.Context, req common.OrderRequest) (*common.Order, error) {
	s.placeMu.Lock()
	defer s.placeMu.Unlock()
	return s.Adapter.PlaceOrder(ctx, req)
}

// Close releases adapter resources when the adapter holds any.
func (s *Session) Close() error {
	if closer, ok := s.Adapter.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
