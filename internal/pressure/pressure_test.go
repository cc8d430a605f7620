package pressure

import (
	"testing"

	"github.com/sqlgateway/mcpmysql/internal/clock"
)

type fixedSampler clock.Usage

func (f fixedSampler) Sample() clock.Usage { return clock.Usage(f) }

func TestDerivePressureClampedToUnitInterval(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		name  string
		usage clock.Usage
		want  float64
	}{
		{"idle", clock.Usage{HeapAllocBytes: 0, NumGoroutine: 0}, 0},
		{"over-heap-clamped", clock.Usage{HeapAllocBytes: cfg.HeapHighBytes * 4}, 1},
		{"half-heap", clock.Usage{HeapAllocBytes: cfg.HeapHighBytes / 2}, 0.5},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := derivePressure(c.usage, cfg)
			if got != c.want {
				t.Errorf("got %v want %v", got, c.want)
			}
		})
	}
}

func TestSubscribeReceivesSample(t *testing.T) {
	cfg := DefaultConfig()
	b := New(cfg, fixedSampler{HeapAllocBytes: cfg.HeapHighBytes})
	ch, unsub := b.Subscribe()
	defer unsub()

	got := b.Sample()
	if got != 1 {
		t.Fatalf("expected pressure 1, got %v", got)
	}
	select {
	case v := <-ch:
		if v != 1 {
			t.Fatalf("subscriber got %v, want 1", v)
		}
	default:
		t.Fatal("subscriber did not receive a value")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubscriberDepth = 1
	b := New(cfg, fixedSampler{})
	ch, unsub := b.Subscribe()
	defer unsub()

	// Fill the buffer, then publish again — must not block or panic.
	b.Sample()
	b.Sample()
	<-ch
}
