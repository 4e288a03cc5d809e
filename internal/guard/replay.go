package guard

import (
	"sync"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/types"
	"github.com/Armour007/aura-core/internal/wire"
)

type replayKey struct {
	ctx      types.ContextID
	src, dst types.AuthorityID
}

// ReplayWindow remembers the highest nonce accepted per (context, src, dst).
type ReplayWindow struct {
	mu   sync.Mutex
	last map[replayKey]uint64
}

func NewReplayWindow() *ReplayWindow { return &ReplayWindow{last: map[replayKey]uint64{}} }

// Check fails unless nonce is above the last accepted one.
func (w *ReplayWindow) Check(cid types.ContextID, src, dst types.AuthorityID, nonce uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkLocked(replayKey{cid, src, dst}, nonce)
}

func (w *ReplayWindow) checkLocked(k replayKey, nonce uint64) error {
	if last := w.last[k]; nonce <= last {
		return auraerr.Errorf(auraerr.KindAuthentication, "guard.replay", "nonce %d does not advance past %d", nonce, last).
			WithContext(k.ctx).WithAuthority(k.src)
	}
	return nil
}

func (w *ReplayWindow) Record(cid types.ContextID, src, dst types.AuthorityID, nonce uint64) {
	w.mu.Lock()
	k := replayKey{cid, src, dst}
	if nonce > w.last[k] {
		w.last[k] = nonce
	}
	w.mu.Unlock()
}

// Accept checks and records an inbound receipt's nonce in one step.
func (w *ReplayWindow) Accept(r wire.Receipt) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := replayKey{r.Context, r.Src, r.Dst}
	if err := w.checkLocked(k, r.Nonce); err != nil {
		return err
	}
	w.last[k] = r.Nonce
	return nil
}

// Last is the highest nonce accepted so far, 0 when none.
func (w *ReplayWindow) Last(cid types.ContextID, src, dst types.AuthorityID) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last[replayKey{cid, src, dst}]
}
