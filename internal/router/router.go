// Package router holds the in-memory VA→symbol claim that enforces
// one-symbol-per-VA (§4.9). It is consulted before every signal is accepted
// into the order pipeline and by the reconciler to resolve an exchange
// position's owning VA.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"executiond/internal/store"
)

// Router is the signal router: a claim map guarded by its own lock, the
// same shape as the teacher's tokenMap.
type Router struct {
	mu sync.RWMutex

	store store.Store
	log   zerolog.Logger

	claimed map[string]string // va -> symbol
	byOwner map[string]string // symbol -> va
}

func New(st store.Store, logger zerolog.Logger) *Router {
	return &Router{
		store:   st,
		log:     logger.With().Str("component", "router").Logger(),
		claimed: make(map[string]string),
		byOwner: make(map[string]string),
	}
}

// CanTradeSymbol reports whether va may trade symbol. A VA with no claim
// yet is seeded from any existing non-flat position on storage before the
// claim is made, so a restart doesn't let a VA accidentally pick up a
// second symbol out from under an open position. On rejection, the message
// names the symbol the VA already holds.
func (r *Router) CanTradeSymbol(ctx context.Context, va, symbol string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claimed, ok := r.claimed[va]
	if !ok {
		claimed = r.seedClaim(ctx, va, symbol)
		r.claimed[va] = claimed
		r.byOwner[claimed] = va
	}
	if claimed == symbol {
		return true, ""
	}
	return false, fmt.Sprintf("VA %s already trades %s", va, claimed)
}

// seedClaim looks up va's existing positions on storage and claims the
// first non-flat one found; falls back to the requested symbol.
func (r *Router) seedClaim(ctx context.Context, va, requested string) string {
	positions, err := r.store.ListPositions(ctx, va)
	if err != nil {
		r.log.Warn().Err(err).Str("va", va).Msg("seed claim: list positions failed")
		return requested
	}
	for _, p := range positions {
		if !p.IsFlat() {
			return p.Symbol
		}
	}
	return requested
}

// ReleaseSymbol drops va's claim, freeing it to trade a different symbol.
// Called once the VA's position in that symbol has fully closed.
func (r *Router) ReleaseSymbol(va string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if symbol, ok := r.claimed[va]; ok {
		delete(r.claimed, va)
		delete(r.byOwner, symbol)
	}
}

// OwnerOf reports which VA currently claims symbol. Satisfies
// reconciler.SymbolOwner.
func (r *Router) OwnerOf(symbol string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	va, ok := r.byOwner[symbol]
	return va, ok
}
