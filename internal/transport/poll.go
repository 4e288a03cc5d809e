package transport

import (
	"context"
	"errors"
	"time"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/wire"
)

// DefaultPollInterval is the cooperative sleep between empty receives.
const DefaultPollInterval = 50 * time.Millisecond

// ErrTimeout is wrapped by Poll when the deadline passes with no message.
var ErrTimeout = errors.New("receive timed out")

// Poll calls recv until it yields an envelope, fails with something other
// than ErrNoMessage, or the clock reaches deadlineMs.
func Poll(ctx context.Context, clock effects.Time, interval time.Duration, deadlineMs uint64, recv func(context.Context) (wire.Envelope, error)) (wire.Envelope, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	step := uint64(interval.Milliseconds())
	for {
		env, err := recv(ctx)
		if err == nil {
			return env, nil
		}
		if !errors.Is(err, ErrNoMessage) {
			return wire.Envelope{}, err
		}
		now := clock.NowMs()
		if now >= deadlineMs {
			return wire.Envelope{}, auraerr.New(auraerr.KindNetwork, "transport.poll", "no message before deadline").WithCause(ErrTimeout)
		}
		if err := effects.SleepMs(ctx, clock, min(step, deadlineMs-now)); err != nil {
			return wire.Envelope{}, auraerr.Wrap(auraerr.KindNetwork, "transport.poll", err)
		}
	}
}
