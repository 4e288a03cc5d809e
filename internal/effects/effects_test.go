package effects

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestSeededRandomIsReproducible(t *testing.T) {
	a, _ := NewSeededRandom(42).RandomBytes(32)
	b, _ := NewSeededRandom(42).RandomBytes(32)
	c, _ := NewSeededRandom(43).RandomBytes(32)
	if !bytes.Equal(a, b) {
		t.Fatalf("same seed produced different bytes")
	}
	if bytes.Equal(a, c) {
		t.Fatalf("different seeds produced the same bytes")
	}
	r := NewSeededRandom(1)
	for i := 0; i < 100; i++ {
		v, err := r.RandomRange(10, 20)
		if err != nil || v < 10 || v >= 20 {
			t.Fatalf("range value %d err %v", v, err)
		}
	}
	if _, err := r.RandomRange(5, 5); err == nil {
		t.Fatalf("empty range accepted")
	}
}

func TestSimTimeSleepBlocksUntilAdvanced(t *testing.T) {
	clk := NewSimTime(1000)
	done := make(chan error, 1)
	go func() { done <- clk.SleepUntil(context.Background(), 1500) }()
	select {
	case <-done:
		t.Fatalf("sleep returned before the clock advanced")
	case <-time.After(20 * time.Millisecond):
	}
	clk.Advance(600)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("sleep: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sleep did not wake after advance")
	}
	if clk.NowMs() != 1600 {
		t.Fatalf("now = %d", clk.NowMs())
	}
}

func TestSimTimeAutoAdvance(t *testing.T) {
	clk := NewSimTime(0)
	clk.AutoAdvance = true
	if err := clk.SleepUntil(context.Background(), 5000); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if clk.NowMs() != 5000 {
		t.Fatalf("clock did not jump: %d", clk.NowMs())
	}
}

func TestYieldUntilConditions(t *testing.T) {
	clk := NewRealTime()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- clk.YieldUntil(ctx, ThresholdEvents(2, func(e Event) bool { return e.Kind == "reveal" }))
	}()
	time.Sleep(10 * time.Millisecond)
	clk.Notify(Event{Kind: "reveal"})
	clk.Notify(Event{Kind: "noise"})
	clk.Notify(Event{Kind: "reveal"})
	if err := <-done; err != nil {
		t.Fatalf("threshold wait: %v", err)
	}

	go func() { done <- clk.YieldUntil(ctx, EpochReached(3)) }()
	time.Sleep(10 * time.Millisecond)
	clk.Notify(Event{Kind: "epoch", Epoch: 3})
	if err := <-done; err != nil {
		t.Fatalf("epoch wait: %v", err)
	}

	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := clk.YieldUntil(short, NewEvents()); err == nil {
		t.Fatalf("wait with no events should time out")
	}
	if err := clk.YieldUntil(ctx, TimeoutAt(clk.NowMs()+5)); err != nil {
		t.Fatalf("timeout wake: %v", err)
	}
}

func TestLogrusConsoleFields(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	c := NewLogrusConsole(logger).With(Fields{"authority": "a1"})
	c.Warn("budget low", Fields{"remaining": 3})
	e := hook.LastEntry()
	if e == nil || e.Message != "budget low" || e.Level != logrus.WarnLevel {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Data["authority"] != "a1" || e.Data["remaining"] != 3 {
		t.Fatalf("fields missing: %+v", e.Data)
	}
}
