package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/capability"
	"github.com/Armour007/aura-core/internal/node"
	"github.com/Armour007/aura-core/internal/transport"
)

func testNode(t *testing.T) *node.Authority {
	t.Helper()
	a, err := node.New(context.Background(), node.Options{Seed: 42, Registry: transport.NewRegistry()})
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func bearer(t *testing.T, a *node.Authority, ops ...string) string {
	t.Helper()
	var perms []capability.Permission
	for _, op := range ops {
		perms = append(perms, capability.Permission{Operation: op, Scope: "admin"})
	}
	tok, err := capability.Issue(context.Background(), a.Signer, capability.Token{Device: a.Device, Authority: a.ID, Permissions: perms})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	s, err := capability.EncodeJWT(tok, a.Signer.PrivateKey(), KeyID(a.Signer.PublicKey()))
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	return "Bearer " + s
}

func serve(r http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthAndReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := testNode(t)
	r := NewRouter(a, Options{Checks: map[string]Check{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return auraerr.New(auraerr.KindNetwork, "ping", "refused") },
	}})
	if w := serve(r, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz %d", w.Code)
	}
	w := serve(r, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" || w.Header().Get("X-AURA-Version") != APIVersion {
		t.Fatalf("missing middleware headers %v", w.Header())
	}
}

func TestJournalAndTree(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := testNode(t)
	r := NewRouter(a, Options{})

	w := serve(r, http.MethodPost, "/admin/snapshot", bearer(t, a, "journal:*"))
	if w.Code != http.StatusCreated {
		t.Fatalf("snapshot %d: %s", w.Code, w.Body.String())
	}
	var snap factSummary
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = serve(r, http.MethodGet, "/v1/journal?kind=snapshot", "")
	if w.Code != http.StatusOK {
		t.Fatalf("journal %d", w.Code)
	}
	var body struct {
		Total int           `json:"total"`
		Facts []factSummary `json:"facts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Facts) != 1 || body.Facts[0].CID != snap.CID {
		t.Fatalf("journal facts %+v", body.Facts)
	}
	if w := serve(r, http.MethodGet, "/v1/journal/facts/"+snap.CID.String(), ""); w.Code != http.StatusOK {
		t.Fatalf("fact %d", w.Code)
	}
	if w := serve(r, http.MethodGet, "/v1/journal?kind=bogus", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bogus kind %d", w.Code)
	}

	w = serve(r, http.MethodGet, "/v1/tree", "")
	var tree struct {
		Epoch uint64 `json:"epoch"`
	}
	if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &tree) != nil || tree.Epoch != 0 {
		t.Fatalf("tree %d: %s", w.Code, w.Body.String())
	}
	if w := serve(r, http.MethodGet, "/v1/tree/not-a-uuid", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad authority %d", w.Code)
	}
}

func TestAdminNeedsCapability(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := testNode(t)
	r := NewRouter(a, Options{})
	if w := serve(r, http.MethodPost, "/admin/snapshot", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token %d", w.Code)
	}
	if w := serve(r, http.MethodPost, "/admin/snapshot", "Bearer garbage"); w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token %d", w.Code)
	}
	if w := serve(r, http.MethodPost, "/admin/snapshot", bearer(t, a, "tree:read")); w.Code != http.StatusForbidden {
		t.Fatalf("wrong operation %d", w.Code)
	}
	if w := serve(r, http.MethodPost, "/admin/anti-entropy", bearer(t, a, "sync:*")); w.Code != http.StatusAccepted {
		t.Fatalf("anti-entropy %d", w.Code)
	}
}

func TestPeersAndEvidence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := testNode(t)
	r := NewRouter(a, Options{})
	w := serve(r, http.MethodGet, "/v1/peers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("peers %d", w.Code)
	}
	w = serve(r, http.MethodGet, "/v1/evidence", "")
	if w.Code != http.StatusOK {
		t.Fatalf("evidence %d", w.Code)
	}
	if w := serve(r, http.MethodGet, "/v1/evidence?cid=zz", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad cid %d", w.Code)
	}
}

func TestJWKSPublishesDeviceKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := testNode(t)
	w := serve(NewRouter(a, Options{}), http.MethodGet, "/.well-known/jwks.json", "")
	if w.Code != http.StatusOK {
		t.Fatalf("jwks %d", w.Code)
	}
	var set jwks
	if err := json.Unmarshal(w.Body.Bytes(), &set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0].Kid != KeyID(a.Signer.PublicKey()) || set.Keys[0].Crv != "Ed25519" {
		t.Fatalf("keys %+v", set.Keys)
	}
}
