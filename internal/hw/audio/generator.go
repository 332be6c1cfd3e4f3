package audio

import (
	"sync/atomic"

	"github.com/cjeanneret/trackhead/internal/logic/motion"
)

// Generator synthesizes the interleaved stereo waveform. Fill runs on the
// audio callback thread; Set runs on the control thread. They share only a
// one-slot channel carrying the latest rates, so synthesis never waits on
// the control loop and always has a last-known value to emit.
//
// Every Set is numbered. Emitted reports the number of the newest value
// that has gone out as at least one complete frame.
type Generator struct {
	timing PulseTiming
	latest chan update
	setSeq atomic.Uint64

	// owned by the Fill caller
	pos        int
	yawWidth   int
	pitchWidth int
	current    uint64

	emitted   atomic.Uint64
	frames    atomic.Uint64
	underruns atomic.Uint64
}

type update struct {
	rates motion.Rates
	seq   uint64
}

// NewGenerator starts at neutral (center pulse on both channels).
func NewGenerator(timing PulseTiming) *Generator {
	center := timing.PulseSamples(0)
	return &Generator{
		timing:     timing,
		latest:     make(chan update, 1),
		yawWidth:   center,
		pitchWidth: center,
	}
}

// Timing returns the pulse timing in use.
func (g *Generator) Timing() PulseTiming { return g.timing }

// Set publishes new rates and returns their number. It never blocks; a
// value not yet picked up by Fill is replaced.
func (g *Generator) Set(r motion.Rates) uint64 {
	u := update{rates: r.Sanitize(), seq: g.setSeq.Add(1)}
	for {
		select {
		case g.latest <- u:
			return u.seq
		default:
		}
		select {
		case <-g.latest:
		default:
		}
	}
}

// Fill writes len(out)/2 stereo frames: out[2i] is yaw (left), out[2i+1] is
// pitch (right). Each sample is +1 inside the pulse and -1 outside. New
// widths only take effect at a frame boundary so a pulse is never cut short.
func (g *Generator) Fill(out []float32) {
	for i := 0; i+1 < len(out); i += 2 {
		if g.pos == 0 {
			g.latch()
		}
		out[i] = level(g.pos < g.yawWidth)
		out[i+1] = level(g.pos < g.pitchWidth)
		g.pos++
		if g.pos == g.timing.Period {
			g.pos = 0
			g.frames.Add(1)
			g.emitted.Store(g.current)
		}
	}
}

// Widths returns the pulse widths currently being emitted. Only meaningful
// from the Fill goroutine or after it has stopped.
func (g *Generator) Widths() (yaw, pitch int) {
	return g.yawWidth, g.pitchWidth
}

// Emitted returns the number of the newest Set value written as a complete
// frame, or 0 before any.
func (g *Generator) Emitted() uint64 { return g.emitted.Load() }

// Frames returns the number of complete 50 Hz frames emitted.
func (g *Generator) Frames() uint64 { return g.frames.Load() }

// Underruns returns how many underruns the output device reported.
func (g *Generator) Underruns() uint64 { return g.underruns.Load() }

// ReportUnderrun is called by the stream callback when the device starved.
func (g *Generator) ReportUnderrun() { g.underruns.Add(1) }

func (g *Generator) latch() {
	select {
	case u := <-g.latest:
		g.yawWidth = g.timing.PulseSamples(u.rates.Yaw)
		g.pitchWidth = g.timing.PulseSamples(u.rates.Pitch)
		g.current = u.seq
	default:
	}
}

func level(high bool) float32 {
	if high {
		return 1
	}
	return -1
}
