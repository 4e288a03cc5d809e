package config

import (
	"strings"
	"testing"
	"time"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/journal"
)

func TestDefaults(t *testing.T) {
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.Storage != StorageMemory || c.PollInterval != 50*time.Millisecond || c.SnapshotGC != journal.GCNever {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if g := c.Guard(); g.BaseCost != 100 || g.CostPerKB != 10 {
		t.Fatalf("guard config %+v", g)
	}
}

func TestOverrides(t *testing.T) {
	t.Setenv("AURA_AUTHORITY_SEED", "7")
	t.Setenv("AURA_STORAGE", "sql")
	t.Setenv("AURA_DB_DRIVER", "sqlite")
	t.Setenv("AURA_DB_DSN", "file:aura.db")
	t.Setenv("AURA_CEREMONY_TIMEOUT_MS", "1500")
	t.Setenv("AURA_SNAPSHOT_GC", "receipts")
	t.Setenv("AURA_STORAGE_KEY", strings.Repeat("ab", 32))
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.AuthoritySeed != 7 || c.DBDriver != "sqlite" || c.CeremonyTimeout != 1500*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if c.SnapshotGC != journal.GCReceipts || len(c.StorageKey) != 32 {
		t.Fatalf("gc %v key %d", c.SnapshotGC, len(c.StorageKey))
	}
}

func TestInvalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad number", map[string]string{"AURA_FLOW_BUDGET": "lots"}},
		{"unknown storage", map[string]string{"AURA_STORAGE": "floppy"}},
		{"sql without dsn", map[string]string{"AURA_STORAGE": "sql"}},
		{"s3 without bucket", map[string]string{"AURA_STORAGE": "s3"}},
		{"short key", map[string]string{"AURA_STORAGE_KEY": "abcd"}},
		{"gc policy", map[string]string{"AURA_SNAPSHOT_GC": "sometimes"}},
		{"timeout below poll", map[string]string{"AURA_CEREMONY_TIMEOUT_MS": "10"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := FromEnv(); !auraerr.Is(err, auraerr.KindInvalid) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}
