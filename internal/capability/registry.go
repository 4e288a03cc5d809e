package capability

import (
	"crypto/ed25519"
	"sync"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/types"
)

// MaxDelegationDepth bounds delegation chains.
const MaxDelegationDepth = 8

// Registry resolves tokens by id so delegation chains can be checked.
type Registry struct {
	mu     sync.RWMutex
	tokens map[types.Hash32]Token
	roots  map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{tokens: map[types.Hash32]Token{}, roots: map[string]bool{}}
}

// Trust accepts pub as an issuer of root tokens.
func (r *Registry) Trust(pub ed25519.PublicKey) {
	r.mu.Lock()
	r.roots[string(pub)] = true
	r.mu.Unlock()
}

func (r *Registry) trusted(pub ed25519.PublicKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roots[string(pub)]
}

// Put stores a token after checking its signature.
func (r *Registry) Put(t Token) (types.Hash32, error) {
	if err := t.Verify(0); err != nil {
		return types.Hash32{}, err
	}
	id, err := t.ID()
	if err != nil {
		return types.Hash32{}, err
	}
	r.mu.Lock()
	r.tokens[id] = t
	r.mu.Unlock()
	return id, nil
}

func (r *Registry) Get(id types.Hash32) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	return t, ok
}

// VerifyChain checks t and every ancestor in its delegation chain. Each
// ancestor must be known, validly signed and unexpired at nowS. It must
// also carry the chain prefix before it, cover its successor's permissions
// and be held or issued by its successor's signer. The root must come from
// a trusted issuer. It returns the delegation depth.
func (r *Registry) VerifyChain(t Token, nowS uint64) (int, error) {
	return r.verifyChain(t, nowS, nowS)
}

// verifyChain checks t's own validity window at tokenNowS and its
// ancestors' at chainNowS.
func (r *Registry) verifyChain(t Token, tokenNowS, chainNowS uint64) (int, error) {
	const op = "capability.verify_chain"
	depth := len(t.DelegationChain)
	if depth > MaxDelegationDepth {
		return depth, auraerr.Errorf(auraerr.KindAuthorization, op, "delegation depth %d exceeds %d", depth, MaxDelegationDepth)
	}
	if err := t.Verify(tokenNowS); err != nil {
		return depth, err
	}
	chain := make([]Token, depth)
	for i, id := range t.DelegationChain {
		anc, ok := r.Get(id)
		if !ok {
			return depth, auraerr.Errorf(auraerr.KindAuthorization, op, "unknown ancestor %s", id.Short())
		}
		if err := anc.Verify(chainNowS); err != nil {
			return depth, auraerr.Errorf(auraerr.KindAuthentication, op, "ancestor %d: %v", i, err).WithCause(err)
		}
		if len(anc.DelegationChain) != i {
			return depth, auraerr.Errorf(auraerr.KindAuthorization, op, "ancestor %d has chain length %d", i, len(anc.DelegationChain))
		}
		for k := 0; k < i; k++ {
			if anc.DelegationChain[k] != t.DelegationChain[k] {
				return depth, auraerr.Errorf(auraerr.KindAuthorization, op, "ancestor %d chain diverges", i)
			}
		}
		if anc.Authority != t.Authority {
			return depth, auraerr.Errorf(auraerr.KindAuthorization, op, "ancestor %d belongs to another authority", i)
		}
		chain[i] = anc
	}
	root := t
	if depth > 0 {
		root = chain[0]
	}
	if !r.trusted(root.IssuerKey) {
		return depth, auraerr.New(auraerr.KindAuthentication, op, "root issuer not trusted")
	}
	for i := 0; i < depth; i++ {
		next := t
		if i+1 < depth {
			next = chain[i+1]
		}
		if !Subset(next.Permissions, chain[i].Permissions) {
			return depth, auraerr.Errorf(auraerr.KindAuthorization, op, "link %d widens permissions", i+1)
		}
		if !chain[i].MayDelegate(next.IssuerKey) {
			return depth, auraerr.Errorf(auraerr.KindAuthorization, op, "link %d signed by neither holder nor issuer", i+1)
		}
	}
	return depth, nil
}
