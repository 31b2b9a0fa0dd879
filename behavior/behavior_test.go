package behavior

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/hazyhaar/oddswatch/driver"
)

// fastProfile keeps every delay in single-digit milliseconds so the
// pacing tests finish quickly.
func fastProfile() Profile {
	t := Timing{Mean: 3, Stddev: 1, Min: 1, Max: 8}
	return Profile{Name: "fast", ClickHesitation: t, MouseTravel: t, MicroDelay: t, ScrollPause: t}
}

type recordingMouse struct {
	x, y   float64
	path   [][2]float64
	clicks int
}

func (m *recordingMouse) Move(ctx context.Context, x, y float64) error {
	m.x, m.y = x, y
	m.path = append(m.path, [2]float64{x, y})
	return ctx.Err()
}

func (m *recordingMouse) Click(ctx context.Context, x, y float64) error {
	m.clicks++
	return m.Move(ctx, x, y)
}

func (m *recordingMouse) Position() (float64, float64) { return m.x, m.y }

func TestSampleClampsToRange(t *testing.T) {
	for _, intensity := range []Intensity{Conservative, Moderate, Aggressive} {
		profile := ProfileFor(intensity)
		e := NewEmulator(profile, WithSeed(42))
		timings := map[string]Timing{
			"click_hesitation": profile.ClickHesitation,
			"mouse_travel":     profile.MouseTravel,
			"micro_delay":      profile.MicroDelay,
			"scroll_pause":     profile.ScrollPause,
		}
		for name, timing := range timings {
			lo := time.Duration(timing.Min * float64(time.Millisecond))
			hi := time.Duration(timing.Max * float64(time.Millisecond))
			for i := 0; i < 500; i++ {
				d := e.Sample(timing)
				if d < lo || d > hi {
					t.Fatalf("%s/%s draw %v outside [%v, %v]", profile.Name, name, d, lo, hi)
				}
			}
		}
	}
}

func TestSampleZeroStddevIsMean(t *testing.T) {
	e := NewEmulator(fastProfile(), WithSeed(1))
	timing := Timing{Mean: 40, Stddev: 0, Min: 10, Max: 100}
	for i := 0; i < 10; i++ {
		if d := e.Sample(timing); d != 40*time.Millisecond {
			t.Fatalf("draw %v, want 40ms", d)
		}
	}
}

func TestSeededSamplingIsDeterministic(t *testing.T) {
	a := NewEmulator(ProfileFor(Moderate), WithSeed(5))
	b := NewEmulator(ProfileFor(Moderate), WithSeed(5))
	timing := ProfileFor(Moderate).ClickHesitation
	for i := 0; i < 20; i++ {
		if x, y := a.Sample(timing), b.Sample(timing); x != y {
			t.Fatalf("draw %d diverged: %v vs %v", i, x, y)
		}
	}
}

func TestProfileForDefaultsToModerate(t *testing.T) {
	if p := ProfileFor("turbo"); p.Name != "moderate" {
		t.Fatalf("unknown intensity mapped to %q", p.Name)
	}
	if p := ProfileFor(Conservative); p.Name != "conservative" {
		t.Fatalf("conservative mapped to %q", p.Name)
	}
}

func TestSmoothstepCurve(t *testing.T) {
	if smoothstep(0) != 0 || smoothstep(1) != 1 {
		t.Fatalf("endpoints %v, %v", smoothstep(0), smoothstep(1))
	}
	if smoothstep(0.5) != 0.5 {
		t.Fatalf("midpoint %v", smoothstep(0.5))
	}
	prev := -1.0
	for i := 0; i <= 100; i++ {
		v := smoothstep(float64(i) / 100)
		if v < prev {
			t.Fatalf("curve not monotone at t=%d", i)
		}
		prev = v
	}
}

func TestMoveMouseReachesTarget(t *testing.T) {
	e := NewEmulator(fastProfile(), WithSeed(9))
	m := &recordingMouse{}

	if err := e.MoveMouse(context.Background(), m, 200, 120); err != nil {
		t.Fatalf("move: %v", err)
	}
	if x, y := m.Position(); x != 200 || y != 120 {
		t.Fatalf("final position (%v, %v)", x, y)
	}
	if len(m.path) < 2 {
		t.Fatalf("travelled in %d steps, want at least 2", len(m.path))
	}
	// The easing curve never backtracks.
	for i := 1; i < len(m.path); i++ {
		if m.path[i][0] < m.path[i-1][0] || m.path[i][1] < m.path[i-1][1] {
			t.Fatalf("path backtracked at step %d: %v", i, m.path)
		}
	}
}

func TestMoveMouseCancelled(t *testing.T) {
	e := NewEmulator(fastProfile(), WithSeed(9))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.MoveMouse(ctx, &recordingMouse{}, 50, 50); err == nil {
		t.Fatal("cancelled context should stop the travel")
	}
}

func TestClickMovesHesitatesThenClicks(t *testing.T) {
	e := NewEmulator(fastProfile(), WithSeed(2))
	m := &recordingMouse{}

	if err := e.Click(context.Background(), m, 80, 40); err != nil {
		t.Fatalf("click: %v", err)
	}
	if m.clicks != 1 {
		t.Fatalf("clicks %d, want 1", m.clicks)
	}
	if x, y := m.Position(); x != 80 || y != 40 {
		t.Fatalf("click landed at (%v, %v)", x, y)
	}
}

func TestScrollSegmentsSumToTotal(t *testing.T) {
	e := NewEmulator(fastProfile(), WithSeed(4))
	page := driver.MustFakePage(t, "<html><body><div>long page</div></body></html>")

	if err := e.Scroll(context.Background(), page, 2400); err != nil {
		t.Fatalf("scroll: %v", err)
	}
	if n := len(page.Scrolls); n < 2 || n > 4 {
		t.Fatalf("scrolled in %d segments, want 2 to 4", n)
	}
	var sum float64
	for _, s := range page.Scrolls {
		if s[0] != 0 {
			t.Fatalf("horizontal scroll %v", s[0])
		}
		if s[1] <= 0 {
			t.Fatalf("segment %v not forward", s[1])
		}
		sum += s[1]
	}
	if math.Abs(sum-2400) > 1e-6 {
		t.Fatalf("segments sum to %v, want 2400", sum)
	}
}

func TestScrollCancelled(t *testing.T) {
	e := NewEmulator(fastProfile(), WithSeed(4))
	page := driver.MustFakePage(t, "<html><body></body></html>")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Scroll(ctx, page, 500); err == nil {
		t.Fatal("cancelled context should stop the scroll")
	}
}

func TestPace(t *testing.T) {
	e := NewEmulator(fastProfile(), WithSeed(8))
	if err := e.Pace(context.Background()); err != nil {
		t.Fatalf("pace: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Pace(ctx); err == nil {
		t.Fatal("cancelled context should interrupt the pause")
	}
}
