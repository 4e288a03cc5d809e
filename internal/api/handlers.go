package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/node"
	"github.com/Armour007/aura-core/internal/types"
)

// Check is one readiness probe, for example a database ping.
type Check func(ctx context.Context) error

type handlers struct {
	a      *node.Authority
	checks map[string]Check
}

// errorStatus maps error kinds onto HTTP statuses.
func errorStatus(err error) int {
	switch auraerr.KindOf(err) {
	case auraerr.KindInvalid:
		return http.StatusBadRequest
	case auraerr.KindNotFound:
		return http.StatusNotFound
	case auraerr.KindAuthentication:
		return http.StatusUnauthorized
	case auraerr.KindAuthorization:
		return http.StatusForbidden
	case auraerr.KindNetwork, auraerr.KindResourceExhausted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error(), "kind": auraerr.KindOf(err).String()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *handlers) ready(c *gin.Context) {
	out := gin.H{}
	status := http.StatusOK
	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 300*time.Millisecond)
		start := time.Now()
		err := check(ctx)
		cancel()
		entry := gin.H{"ok": err == nil, "ping_ms": time.Since(start).Milliseconds()}
		if err != nil {
			entry["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		out[name] = entry
	}
	overall := "ready"
	if status != http.StatusOK {
		overall = "not ready"
	}
	c.JSON(status, gin.H{"status": overall, "checks": out, "authority": h.a.ID.String()})
}

type factSummary struct {
	CID       types.Hash32      `json:"cid"`
	Kind      string            `json:"kind"`
	Authority types.AuthorityID `json:"authority"`
	Label     string            `json:"label,omitempty"`
	Context   *types.ContextID  `json:"context,omitempty"`
}

func summarize(f journal.Fact) factSummary {
	s := factSummary{Kind: f.Kind.String(), Authority: f.Authority}
	s.CID, _ = f.CID()
	if f.Relational != nil {
		s.Label = string(f.Relational.Kind) + ":" + f.Relational.Label
		cid := f.Relational.Context
		s.Context = &cid
	}
	return s
}

var factKinds = map[string]journal.FactKind{
	"attested_op": journal.FactAttestedOp,
	"relational":  journal.FactRelational,
	"snapshot":    journal.FactSnapshot,
	"receipt":     journal.FactReceipt,
}

// listFacts lists facts, optionally filtered by ?kind=, ?relational=,
// ?authority= and ?context=.
func (h *handlers) listFacts(c *gin.Context) {
	var f journal.Filter
	if k := c.Query("kind"); k != "" {
		kind, ok := factKinds[k]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown fact kind"})
			return
		}
		f.Kind = kind
	}
	f.Relational = journal.RelationalKind(c.Query("relational"))
	if s := c.Query("authority"); s != "" {
		a, err := types.ParseAuthorityID(s)
		if err != nil {
			badRequest(c, err)
			return
		}
		f.Authority = &a
	}
	if s := c.Query("context"); s != "" {
		cid, err := types.ParseContextID(s)
		if err != nil {
			badRequest(c, err)
			return
		}
		f.Context = &cid
	}
	j := h.a.Journal.Journal()
	facts := h.a.Journal.Query(f)
	out := make([]factSummary, 0, len(facts))
	for _, x := range facts {
		out = append(out, summarize(x))
	}
	c.JSON(http.StatusOK, gin.H{
		"digest": j.Digest(),
		"total":  j.Len(),
		"caps":   j.Caps().List(),
		"facts":  out,
	})
}

func (h *handlers) fact(c *gin.Context) {
	id, err := types.ParseHash32(c.Param("cid"))
	if err != nil {
		badRequest(c, err)
		return
	}
	f, ok := h.a.Journal.Journal().Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "fact not found"})
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *handlers) tree(c *gin.Context) {
	id := h.a.ID
	if s := c.Param("authority"); s != "" {
		var err error
		if id, err = types.ParseAuthorityID(s); err != nil {
			badRequest(c, err)
			return
		}
	}
	st, err := h.a.Journal.TreeState(id)
	if err != nil {
		fail(c, err)
		return
	}
	devices := st.Devices()
	leaves := make([]gin.H, 0, len(devices))
	for _, l := range devices {
		leaves = append(leaves, gin.H{"node": l.ID.String(), "device": l.Device.String()})
	}
	c.JSON(http.StatusOK, gin.H{
		"authority":  st.Authority,
		"epoch":      st.Epoch,
		"commitment": st.Commitment,
		"devices":    leaves,
		"applied":    len(st.Applied),
		"pending":    len(st.Pending),
		"superseded": st.Superseded,
		"rejected":   len(st.Rejected),
	})
}

func (h *handlers) peers(c *gin.Context) {
	online := h.a.Guarded.OnlinePeers(c.Request.Context())
	reps := h.a.Replicas()
	contexts := make([]string, 0, len(reps))
	for _, r := range reps {
		contexts = append(contexts, r.Context().String())
	}
	c.JSON(http.StatusOK, gin.H{"online": online, "count": len(online), "replicas": contexts})
}

// evidence lists consensus instances with proofs, or with ?cid= the proofs
// of one instance newer than ?since= (ms).
func (h *handlers) evidence(c *gin.Context) {
	t := h.a.Evidence
	s := c.Query("cid")
	if s == "" {
		c.JSON(http.StatusOK, gin.H{"instances": t.Instances(), "proofs": t.Count()})
		return
	}
	cid, err := types.ParseHash32(s)
	if err != nil {
		badRequest(c, err)
		return
	}
	if since := c.Query("since"); since != "" {
		ms, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be milliseconds"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cid": cid, "proofs": t.GetDelta(cid, ms)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cid": cid, "proofs": t.GetProofs(cid)})
}

func (h *handlers) snapshot(c *gin.Context) {
	f, err := h.a.Snapshot(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, summarize(f))
}

func (h *handlers) antiEntropy(c *gin.Context) {
	if err := h.a.AntiEntropy(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"replicas": len(h.a.Replicas())})
}
