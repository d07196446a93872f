package pacer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testConfig() Config {
	return Config{
		Burst:        2,
		InitialPause: 10 * time.Millisecond,
		MinPause:     2 * time.Millisecond,
		MaxPause:     40 * time.Millisecond,
		Decrease:     3 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func fillBurst(p *Pacer, transient bool) {
	for i := 0; i < 2; i++ {
		p.Observe(transient && i == 0)
	}
}

func TestWaitNoopBeforeBurst(t *testing.T) {
	t.Parallel()
	p := New(testConfig(), zerolog.Nop())
	p.Observe(false)

	start := time.Now()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Millisecond {
		t.Fatalf("Wait paused before burst completed: %v", elapsed)
	}
	if p.Pause() != 10*time.Millisecond {
		t.Fatalf("Pause = %v, want unchanged", p.Pause())
	}
}

func TestPauseShrinksAfterCleanBursts(t *testing.T) {
	t.Parallel()
	p := New(testConfig(), zerolog.Nop())

	prev := p.Pause()
	for i := 0; i < 5; i++ {
		fillBurst(p, false)
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait error: %v", err)
		}
		cur := p.Pause()
		if cur > prev {
			t.Fatalf("pause grew after clean burst: %v -> %v", prev, cur)
		}
		if cur < 2*time.Millisecond {
			t.Fatalf("pause below minimum: %v", cur)
		}
		if prev > 2*time.Millisecond && cur >= prev {
			t.Fatalf("pause did not strictly decrease above the floor: %v -> %v", prev, cur)
		}
		prev = cur
	}
	if prev != 2*time.Millisecond {
		t.Fatalf("pause should have reached the floor, got %v", prev)
	}
}

func TestPauseGrowsAfterTransientBurst(t *testing.T) {
	t.Parallel()
	p := New(testConfig(), zerolog.Nop())

	fillBurst(p, true)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if p.Pause() != 20*time.Millisecond {
		t.Fatalf("Pause = %v, want doubled 20ms", p.Pause())
	}

	// growth is capped at the maximum
	for i := 0; i < 4; i++ {
		fillBurst(p, true)
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait error: %v", err)
		}
	}
	if p.Pause() != 40*time.Millisecond {
		t.Fatalf("Pause = %v, want capped at 40ms", p.Pause())
	}
}

func TestRecordTransientFlagsBurst(t *testing.T) {
	t.Parallel()
	p := New(testConfig(), zerolog.Nop())

	// transient seen mid-retry, even though every task resolved clean
	p.RecordTransient()
	fillBurst(p, false)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if p.Pause() != 20*time.Millisecond {
		t.Fatalf("Pause = %v, want grown to 20ms", p.Pause())
	}
}

func TestWaitInterruptedByCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.InitialPause = 5 * time.Second
	p := New(cfg, zerolog.Nop())
	fillBurst(p, false)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := p.Wait(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Wait did not abort promptly: %v", elapsed)
	}
	// cancelled wait does not adjust the pause
	if p.Pause() != 5*time.Second {
		t.Fatalf("Pause = %v, want unchanged", p.Pause())
	}
}
