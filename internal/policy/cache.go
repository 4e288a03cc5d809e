package policy

import (
	"context"
	"sync"

	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/types"
)

// Cache memoizes compiled policies by engine and module hash.
type Cache struct {
	entries sync.Map // cacheKey -> CompiledPolicy
}

type cacheKey struct {
	engine string
	module types.Hash32
}

func (c *Cache) Get(engine, module string) (CompiledPolicy, bool) {
	if v, ok := c.entries.Load(cacheKey{engine, crypto.Hash([]byte(module))}); ok {
		return v.(CompiledPolicy), true
	}
	return nil, false
}

func (c *Cache) Put(engine, module string, cp CompiledPolicy) {
	c.entries.Store(cacheKey{engine, crypto.Hash([]byte(module))}, cp)
}

// Delete drops one module, or every entry for engine when module is empty.
func (c *Cache) Delete(engine, module string) {
	if module != "" {
		c.entries.Delete(cacheKey{engine, crypto.Hash([]byte(module))})
		return
	}
	c.entries.Range(func(k, _ any) bool {
		if ck, ok := k.(cacheKey); ok && ck.engine == engine {
			c.entries.Delete(k)
		}
		return true
	})
}

// Compiled returns the cached compilation of module, compiling on a miss.
func (c *Cache) Compiled(ctx context.Context, ev Evaluator, module string) (CompiledPolicy, error) {
	if cp, ok := c.Get(ev.Name(), module); ok {
		return cp, nil
	}
	cp, err := ev.Compile(ctx, module)
	if err != nil {
		return nil, err
	}
	c.Put(ev.Name(), module, cp)
	return cp, nil
}
