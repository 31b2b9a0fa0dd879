// Package behavior paces browser interactions on human-like timing.
// All delays are drawn from clamped Gaussians; mouse travel follows a
// smoothstep curve instead of a straight line, and long scrolls are
// broken into reading-paced segments.
package behavior

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/hazyhaar/oddswatch/driver"
)

// Timing is one (mean, stddev, min, max) tuple in milliseconds.
type Timing struct {
	Mean   float64
	Stddev float64
	Min    float64
	Max    float64
}

// Profile bundles the four delay classes.
type Profile struct {
	Name            string
	ClickHesitation Timing
	MouseTravel     Timing
	MicroDelay      Timing
	ScrollPause     Timing
}

// Intensity names a built-in profile.
type Intensity string

const (
	Conservative Intensity = "conservative"
	Moderate     Intensity = "moderate"
	Aggressive   Intensity = "aggressive"
)

var profiles = map[Intensity]Profile{
	Conservative: {
		Name:            "conservative",
		ClickHesitation: Timing{Mean: 450, Stddev: 150, Min: 200, Max: 900},
		MouseTravel:     Timing{Mean: 700, Stddev: 200, Min: 350, Max: 1400},
		MicroDelay:      Timing{Mean: 120, Stddev: 40, Min: 50, Max: 250},
		ScrollPause:     Timing{Mean: 1200, Stddev: 400, Min: 500, Max: 2500},
	},
	Moderate: {
		Name:            "moderate",
		ClickHesitation: Timing{Mean: 250, Stddev: 100, Min: 100, Max: 600},
		MouseTravel:     Timing{Mean: 450, Stddev: 150, Min: 200, Max: 900},
		MicroDelay:      Timing{Mean: 70, Stddev: 25, Min: 25, Max: 150},
		ScrollPause:     Timing{Mean: 700, Stddev: 250, Min: 300, Max: 1500},
	},
	Aggressive: {
		Name:            "aggressive",
		ClickHesitation: Timing{Mean: 120, Stddev: 50, Min: 50, Max: 300},
		MouseTravel:     Timing{Mean: 250, Stddev: 80, Min: 120, Max: 500},
		MicroDelay:      Timing{Mean: 35, Stddev: 15, Min: 10, Max: 80},
		ScrollPause:     Timing{Mean: 350, Stddev: 120, Min: 150, Max: 700},
	},
}

// ProfileFor returns the built-in profile for an intensity, defaulting
// to moderate.
func ProfileFor(intensity Intensity) Profile {
	if p, ok := profiles[intensity]; ok {
		return p
	}
	return profiles[Moderate]
}

// Emulator samples delays and drives paced mouse and scroll motion.
type Emulator struct {
	profile Profile
	log     *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures an Emulator.
type Option func(*Emulator)

func WithSeed(seed int64) Option {
	return func(e *Emulator) { e.rng = rand.New(rand.NewSource(seed)) }
}

func WithLogger(log *slog.Logger) Option { return func(e *Emulator) { e.log = log } }

func NewEmulator(profile Profile, opts ...Option) *Emulator {
	e := &Emulator{
		profile: profile,
		log:     slog.Default(),
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Sample draws one delay from the timing, clamped to [Min, Max].
func (e *Emulator) Sample(t Timing) time.Duration {
	e.mu.Lock()
	v := e.rng.NormFloat64()*t.Stddev + t.Mean
	e.mu.Unlock()
	if v < t.Min {
		v = t.Min
	}
	if v > t.Max {
		v = t.Max
	}
	return time.Duration(v * float64(time.Millisecond))
}

// ClickHesitation, MicroDelay and ScrollPause expose the individual
// delay classes for callers that pace their own driver calls.
func (e *Emulator) ClickHesitation() time.Duration { return e.Sample(e.profile.ClickHesitation) }
func (e *Emulator) MicroDelay() time.Duration      { return e.Sample(e.profile.MicroDelay) }
func (e *Emulator) ScrollPause() time.Duration     { return e.Sample(e.profile.ScrollPause) }

// smoothstep is the ease-in-out curve 3t^2 - 2t^3.
func smoothstep(t float64) float64 { return 3*t*t - 2*t*t*t }

// MoveMouse travels the pointer from its current position to (x, y)
// along a smoothstep path at roughly sixty steps per second over a
// sampled travel duration.
func (e *Emulator) MoveMouse(ctx context.Context, mouse driver.Mouse, x, y float64) error {
	fromX, fromY := mouse.Position()
	total := e.Sample(e.profile.MouseTravel)

	steps := int(total.Seconds() * 60)
	if steps < 2 {
		steps = 2
	}
	stepDelay := total / time.Duration(steps)

	for i := 1; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := smoothstep(float64(i) / float64(steps))
		px := fromX + (x-fromX)*t
		py := fromY + (y-fromY)*t
		if err := mouse.Move(ctx, px, py); err != nil {
			return fmt.Errorf("behavior: mouse move: %w", err)
		}
		if i < steps {
			if err := sleep(ctx, stepDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// Click moves to the point, hesitates, then clicks.
func (e *Emulator) Click(ctx context.Context, mouse driver.Mouse, x, y float64) error {
	if err := e.MoveMouse(ctx, mouse, x, y); err != nil {
		return err
	}
	if err := sleep(ctx, e.ClickHesitation()); err != nil {
		return err
	}
	if err := mouse.Click(ctx, x, y); err != nil {
		return fmt.Errorf("behavior: click: %w", err)
	}
	return nil
}

// Scroll moves the page by total pixels in two to four segments with
// variable speed and a reading pause between them.
func (e *Emulator) Scroll(ctx context.Context, page driver.Page, total float64) error {
	e.mu.Lock()
	segments := 2 + e.rng.Intn(3)
	// Random segment fractions, normalized.
	fractions := make([]float64, segments)
	var sum float64
	for i := range fractions {
		fractions[i] = 0.5 + e.rng.Float64()
		sum += fractions[i]
	}
	e.mu.Unlock()

	remaining := total
	for i, f := range fractions {
		if err := ctx.Err(); err != nil {
			return err
		}
		delta := total * f / sum
		if i == segments-1 {
			delta = remaining // avoid rounding drift on the last segment
		}
		remaining -= delta
		if err := page.ScrollBy(ctx, 0, delta); err != nil {
			return fmt.Errorf("behavior: scroll: %w", err)
		}
		if i < segments-1 {
			if err := sleep(ctx, e.ScrollPause()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Pace sleeps one micro-delay; call it between consecutive driver
// operations.
func (e *Emulator) Pace(ctx context.Context) error {
	return sleep(ctx, e.MicroDelay())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
