package watch

import (
	"strings"
	"time"
)

var frames = [...]string{"◐", "◓", "◑", "◒"}

// Ticker advances one frame per UI tick, showing the loop is alive.
type Ticker struct{ n int }

func (t *Ticker) Tick() { t.n++ }

func (t Ticker) Current() string { return frames[t.n%len(frames)] }

const (
	pulseDots = 5
	pulseStep = 2 * time.Second
)

// Pulse shows how recently a signal arrived: all dots lit on arrival, one
// going dark every pulseStep.
type Pulse struct {
	last time.Time
}

func (p *Pulse) Hit(at time.Time) { p.last = at }

func (p Pulse) Last() time.Time { return p.last }

// Level is the number of lit dots at now.
func (p Pulse) Level(now time.Time) int {
	if p.last.IsZero() {
		return 0
	}
	lit := pulseDots - int(now.Sub(p.last)/pulseStep)
	return max(0, min(pulseDots, lit))
}

func (p Pulse) Render(theme Theme, now time.Time) string {
	lit := p.Level(now)
	return theme.PulseOn.Render(strings.Repeat("●", lit)) +
		theme.PulseOff.Render(strings.Repeat("○", pulseDots-lit))
}
