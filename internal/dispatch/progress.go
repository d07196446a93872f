package dispatch

import (
	"time"

	"github.com/rs/zerolog"
)

// Sample is one progress observation, emitted after every resolved task.
type Sample struct {
	Percent   float64 // 0-100
	Rate      float64 // smoothed messages/sec
	ETA       time.Duration
	HasETA    bool // false while the smoothed rate is zero
	Completed int
	Total     int
}

// Observer receives progress samples. It must treat them as best-effort
// notifications; a slow observer delays its own sample only.
type Observer func(Sample)

// emaAlpha weights the instantaneous rate against history. Per-task
// latency varies a lot (attachment size, retries), so the raw rate is
// too jumpy for a usable ETA.
const emaAlpha = 0.3

type reporter struct {
	total    int
	observer Observer
	log      zerolog.Logger
	now      func() time.Time
	start    time.Time

	ema    float64
	seeded bool
}

func newReporter(total int, observer Observer, now func() time.Time, log zerolog.Logger) *reporter {
	return &reporter{
		total:    total,
		observer: observer,
		log:      log,
		now:      now,
		start:    now(),
	}
}

// taskDone folds one more resolved task into the moving average and
// emits a sample.
func (r *reporter) taskDone(completed int) {
	elapsed := r.now().Sub(r.start).Seconds()
	inst := 0.0
	if elapsed > 0 {
		inst = float64(completed) / elapsed
	}
	if !r.seeded {
		r.ema = inst
		r.seeded = true
	} else {
		r.ema = emaAlpha*inst + (1-emaAlpha)*r.ema
	}

	s := Sample{
		Percent:   float64(completed) / float64(r.total) * 100,
		Rate:      r.ema,
		Completed: completed,
		Total:     r.total,
	}
	if r.ema > 0 {
		s.ETA = time.Duration(float64(r.total-completed) / r.ema * float64(time.Second))
		s.HasETA = true
	}
	r.emit(s)
}

func (r *reporter) emit(s Sample) {
	if r.observer == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Any("panic", p).Msg("progress observer panicked")
		}
	}()
	r.observer(s)
}
