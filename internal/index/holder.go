package index

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/pkg/logger"
)

type slot struct {
	idx Index
}

// Holder publishes the live Index. Readers call Current and keep using the
// returned Index for the rest of their request, so a concurrent Swap never
// produces a torn read.
type Holder struct {
	current atomic.Pointer[slot]
}

func NewHolder() *Holder {
	return &Holder{}
}

// Current returns nil until the first Swap.
func (h *Holder) Current() Index {
	s := h.current.Load()
	if s == nil {
		return nil
	}
	return s.idx
}

// Swap publishes next and returns the index it replaced, or nil.
func (h *Holder) Swap(next Index) Index {
	prev := h.current.Swap(&slot{idx: next})
	if prev == nil {
		return nil
	}
	return prev.idx
}

// Retire closes idx after grace so in-flight searches can finish first.
func Retire(idx Index, grace time.Duration) {
	if idx == nil {
		return
	}
	time.AfterFunc(grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := idx.Close(ctx); err != nil {
			logger.Warn("Failed to close retired index", zap.Error(err))
		}
	})
}
