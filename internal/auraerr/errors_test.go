package auraerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Armour007/aura-core/internal/types"
)

var errSentinel = errors.New("sentinel")

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(KindNetwork, "send", errSentinel)
	if !errors.Is(err, errSentinel) {
		t.Fatalf("errors.Is lost the sentinel: %v", err)
	}
	if KindOf(err) != KindNetwork {
		t.Fatalf("kind = %s", KindOf(err))
	}
	if !Retryable(err) {
		t.Fatalf("network errors should be retryable")
	}
	outer := fmt.Errorf("outer: %w", err)
	if KindOf(outer) != KindNetwork {
		t.Fatalf("kind lost through fmt wrapping")
	}
	if Wrap(KindNetwork, "x", nil) != nil {
		t.Fatalf("wrap of nil must stay nil")
	}
}

func TestRetryClassification(t *testing.T) {
	cases := map[Kind]bool{
		KindAuthentication:    false,
		KindAuthorization:     false,
		KindNetwork:           true,
		KindResourceExhausted: true,
		KindCorruption:        false,
		KindByzantine:         false,
	}
	for k, want := range cases {
		if got := k.Retryable(); got != want {
			t.Errorf("%s retryable = %v, want %v", k, got, want)
		}
	}
}

func TestErrorCarriesIdentifiers(t *testing.T) {
	a := types.AuthorityFromSeed(1)
	s := types.SessionFromSeed(2)
	e := New(KindChoreography, "start_session", "session already started").WithAuthority(a).WithSession(s).WithField("protocol", "dkd")
	if e.Authority == nil || *e.Authority != a {
		t.Fatalf("authority missing")
	}
	if e.Session == nil || *e.Session != s {
		t.Fatalf("session missing")
	}
	msg := e.Error()
	if !strings.Contains(msg, "choreography: start_session: session already started") || !strings.Contains(msg, "protocol=dkd") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{New(KindInvalid, "cfg", "bad"), 64},
		{New(KindCorruption, "decode", "bad"), 65},
		{New(KindStorage, "persist", "disk"), 74},
		{New(KindNetwork, "send", "timeout"), 75},
		{New(KindAuthorization, "guard", "denied"), 77},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
