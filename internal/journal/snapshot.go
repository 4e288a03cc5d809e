package journal

import (
	"context"
	"sort"

	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/types"
)

// chainKey identifies one receipt chain.
type chainKey struct {
	ctx      types.ContextID
	src, dst types.AuthorityID
}

// BuildSnapshot summarizes j. Under GCReceipts every receipt below its
// chain head is listed as superseded; heads themselves stay.
func BuildSnapshot(j *Journal, policy GCPolicy, nowMs uint64) Snapshot {
	heads := map[chainKey]uint64{}
	type rc struct {
		cid   types.Hash32
		key   chainKey
		nonce uint64
	}
	var receipts []rc
	for cid, f := range j.facts {
		if f.Kind != FactReceipt || f.Receipt == nil {
			continue
		}
		k := chainKey{ctx: f.Receipt.Context, src: f.Receipt.Src, dst: f.Receipt.Dst}
		if f.Receipt.Nonce > heads[k] {
			heads[k] = f.Receipt.Nonce
		}
		receipts = append(receipts, rc{cid: cid, key: k, nonce: f.Receipt.Nonce})
	}

	snap := Snapshot{StateHash: j.Digest(), FactCount: uint64(len(j.facts)), TimestampMs: nowMs}
	for k, n := range heads {
		snap.Heads = append(snap.Heads, ChainHead{Context: k.ctx, Src: k.src, Dst: k.dst, Nonce: n})
	}
	sort.Slice(snap.Heads, func(a, b int) bool {
		x, y := snap.Heads[a], snap.Heads[b]
		if x.Context != y.Context {
			return string(x.Context[:]) < string(y.Context[:])
		}
		if c := x.Src.Compare(y.Src); c != 0 {
			return c < 0
		}
		return x.Dst.Compare(y.Dst) < 0
	})
	if policy == GCReceipts {
		for _, r := range receipts {
			if r.nonce < heads[r.key] {
				snap.Superseded = append(snap.Superseded, r.cid)
			}
		}
		sort.Slice(snap.Superseded, func(a, b int) bool { return snap.Superseded[a].Compare(snap.Superseded[b]) < 0 })
	}
	return snap
}

// Snapshot builds a snapshot fact for the current journal, signs it with
// the given device key and merges it.
func (s *Store) Snapshot(ctx context.Context, authority types.AuthorityID, device types.DeviceID, nowMs uint64, sign func([]byte) ([]byte, error)) (Fact, error) {
	snap := BuildSnapshot(s.Journal(), s.gc, nowMs)
	f := Fact{Kind: FactSnapshot, Authority: authority, Snapshot: &snap}
	if err := f.Sign(device, sign); err != nil {
		return Fact{}, err
	}
	if _, err := s.Merge(ctx, []Fact{f}); err != nil {
		return Fact{}, err
	}
	s.console.Info("journal snapshot", effects.Fields{"facts": snap.FactCount, "superseded": len(snap.Superseded)})
	return f, nil
}
