// Package reglo controls an Ismatec Reglo ICC multi-channel peristaltic pump
// over its ASCII serial protocol, either on a directly attached serial port
// or through a TCP serial gateway.
package reglo

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jt05610/reglo/comm"
)

// RateUnit selects how dispense rates are interpreted.
type RateUnit int

const (
	MlPerMin RateUnit = iota
	RPM
)

// maxRPM is the fastest the drive turns.
const maxRPM = 100

// Pump is a single Reglo ICC pump. Channel numbers start at 1; channel 0
// broadcasts to every channel.
type Pump struct {
	hw     *comm.Communicator
	logger *zap.Logger

	// Channels holds the channel indices the pump reported at startup.
	Channels []int
}

// NewPump sets the pump up to accept commands: it assigns device address 1,
// resets to defaults, enables independent per-channel addressing, asks for
// the channel count, switches asynchronous notifications on, and stops and
// seeds every channel. The Communicator must already be started.
func NewPump(ctx context.Context, hw *comm.Communicator, logger *zap.Logger) (*Pump, error) {
	p := &Pump{hw: hw, logger: logger}
	for _, cmd := range []string{"@1", "10", "1~1"} {
		if _, err := hw.Command(ctx, []byte(cmd)); err != nil {
			return nil, fmt.Errorf("pump setup %q: %w", cmd, err)
		}
	}
	reply, err := hw.Query(ctx, []byte("1xA"))
	if err != nil {
		return nil, fmt.Errorf("query channel count: %w", err)
	}
	n, err := strconv.Atoi(reply)
	if err != nil {
		logger.Warn("could not parse channel count", zap.String("reply", reply))
		n = 0
	}
	if _, err := hw.Command(ctx, []byte("1xE1")); err != nil {
		return nil, fmt.Errorf("enable notifications: %w", err)
	}
	for ch := 1; ch <= n; ch++ {
		p.Channels = append(p.Channels, ch)
	}
	if err := p.Stop(ctx); err != nil {
		return nil, err
	}
	p.hw.SetRunning(false, p.Channels...)
	return p, nil
}

// Version returns the pump model, firmware version and head type code.
func (p *Pump) Version(ctx context.Context) (string, error) {
	return p.hw.Query(ctx, []byte("1#"))
}

// Running reports whether the channel is currently pumping.
func (p *Pump) Running(channel int) (bool, error) {
	return p.hw.Running(channel)
}

// Flowrate returns the current flow rate of the channel in ml/min.
func (p *Pump) Flowrate(ctx context.Context, channel int) (float64, error) {
	reply, err := p.hw.Query(ctx, p.cmdf("%df", channel))
	if err != nil {
		return 0, err
	}
	if reply == "" {
		return 0, nil
	}
	return strconv.ParseFloat(reply, 64)
}

// MaxFlowrate returns the highest flow rate the channel supports, in ml/min.
func (p *Pump) MaxFlowrate(ctx context.Context, channel int) (float64, error) {
	reply, err := p.hw.Query(ctx, p.cmdf("%d?", channel))
	if err != nil {
		return 0, err
	}
	return leadingFloat(reply)
}

// TubingInnerDiameter returns the configured tubing inner diameter of the
// channel, in mm.
func (p *Pump) TubingInnerDiameter(ctx context.Context, channel int) (float64, error) {
	reply, err := p.hw.Query(ctx, p.cmdf("%d+", channel))
	if err != nil {
		return 0, err
	}
	return leadingFloat(reply)
}

// leadingFloat parses the numeric field of replies like "120.0 ml/min".
func leadingFloat(reply string) (float64, error) {
	fields := strings.Fields(reply)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty reply")
	}
	return strconv.ParseFloat(fields[0], 64)
}

// SetTubingInnerDiameter sets the tubing inner diameter in mm on the given
// channel, or on every channel when none is given.
func (p *Pump) SetTubingInnerDiameter(ctx context.Context, diam float64, channel ...int) (bool, error) {
	if len(channel) == 0 {
		allgood := true
		for _, ch := range p.Channels {
			ok, err := p.SetTubingInnerDiameter(ctx, diam, ch)
			if err != nil {
				return false, err
			}
			allgood = allgood && ok
		}
		return allgood, nil
	}
	return p.hw.Command(ctx, p.cmdf("%d+%s", channel[0], Discrete2(diam)))
}

// ContinuousFlow starts continuous flow at rate (ml/min, negative reverses
// direction) on the given channel, or synchronously on all channels when
// none is given. Rates beyond the channel's maximum are clamped.
func (p *Pump) ContinuousFlow(ctx context.Context, rate float64, channel ...int) error {
	ch, maxRate, err := p.resolveChannel(ctx, channel...)
	if err != nil {
		return err
	}
	if _, err := p.hw.Command(ctx, p.cmdf("%dM", ch)); err != nil {
		return err
	}
	if err := p.setDirection(ctx, ch, rate); err != nil {
		return err
	}
	rate = clampMagnitude(rate, maxRate)
	if _, err := p.hw.Query(ctx, p.cmdf("%df%s", ch, Volume2(rate))); err != nil {
		return err
	}
	return p.start(ctx, ch)
}

// DispenseVolumeAtRate dispenses vol (ml) at the given rate on the given
// channel, or on all channels when none is given. The rate is in ml/min or
// RPM depending on unit.
func (p *Pump) DispenseVolumeAtRate(ctx context.Context, vol, rate float64, unit RateUnit, channel ...int) error {
	var ch int
	var maxRate float64
	var err error
	if unit == RPM {
		maxRate = maxRPM
		ch = 0
		if len(channel) > 0 {
			ch = channel[0]
		}
	} else {
		ch, maxRate, err = p.resolveChannel(ctx, channel...)
		if err != nil {
			return err
		}
	}
	if _, err := p.hw.Command(ctx, p.cmdf("%dO", ch)); err != nil {
		return err
	}
	// a negative volume flips the direction instead
	if vol < 0 {
		vol, rate = -vol, -rate
	}
	if err := p.setDirection(ctx, ch, rate); err != nil {
		return err
	}
	rate = clampMagnitude(rate, maxRate)
	if unit == RPM {
		if _, err := p.hw.Command(ctx, p.cmdf("%dS%s", ch, Discrete3(int(math.Round(rate*100))))); err != nil {
			return err
		}
	} else {
		if _, err := p.hw.Query(ctx, p.cmdf("%df%s", ch, Volume2(rate))); err != nil {
			return err
		}
	}
	if _, err := p.hw.Query(ctx, p.cmdf("%dv%s", ch, Volume2(vol))); err != nil {
		return err
	}
	return p.start(ctx, ch)
}

// DispenseVolumeOverTime dispenses vol (ml) over the given duration on the
// given channel, or on all channels when none is given. If the duration is
// too short for the volume the pump will refuse to start.
func (p *Pump) DispenseVolumeOverTime(ctx context.Context, vol float64, d time.Duration, channel ...int) error {
	ch := 0
	if len(channel) > 0 {
		ch = channel[0]
	}
	if _, err := p.hw.Command(ctx, p.cmdf("%dG", ch)); err != nil {
		return err
	}
	if err := p.setDirection(ctx, ch, vol); err != nil {
		return err
	}
	vol = math.Abs(vol)
	if _, err := p.hw.Query(ctx, p.cmdf("%dv%s", ch, Volume2(vol))); err != nil {
		return err
	}
	if _, err := p.hw.Query(ctx, p.cmdf("%dxT%s", ch, Time2(d))); err != nil {
		return err
	}
	return p.start(ctx, ch)
}

// DispenseFlowOverTime pumps at rate (ml/min) for the given duration on the
// given channel, or on all channels when none is given.
func (p *Pump) DispenseFlowOverTime(ctx context.Context, rate float64, d time.Duration, channel ...int) error {
	ch := 0
	if len(channel) > 0 {
		ch = channel[0]
	}
	if err := p.setDirection(ctx, ch, rate); err != nil {
		return err
	}
	rate = math.Abs(rate)
	// flow rate mode first, otherwise time mode runs on RPMs
	if _, err := p.hw.Query(ctx, p.cmdf("%dM", ch)); err != nil {
		return err
	}
	if _, err := p.hw.Command(ctx, p.cmdf("%dN", ch)); err != nil {
		return err
	}
	if _, err := p.hw.Query(ctx, p.cmdf("%df%s", ch, Volume2(rate))); err != nil {
		return err
	}
	if _, err := p.hw.Query(ctx, p.cmdf("%dxT%s", ch, Time2(d))); err != nil {
		return err
	}
	return p.start(ctx, ch)
}

// Stop halts pumping on the given channel, or on every channel when none is
// given. The pump drops the asynchronous stop notification for commanded
// stops, so the tracked state is cleared here.
func (p *Pump) Stop(ctx context.Context, channel ...int) error {
	ch := 0
	if len(channel) > 0 {
		ch = channel[0]
	}
	p.hw.SetRunning(false, ch)
	ok, err := p.hw.Command(ctx, p.cmdf("%dI", ch))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("stop on channel %d not acknowledged", ch)
	}
	return nil
}

// resolveChannel picks the target channel and the applicable max rate. With
// no channel (or 0) the whole pump is addressed and the lowest per-channel
// maximum applies, which keeps a broadcast start synchronous.
func (p *Pump) resolveChannel(ctx context.Context, channel ...int) (int, float64, error) {
	if len(channel) == 0 || channel[0] == 0 {
		minRate := 0.0
		for i, ch := range p.Channels {
			r, err := p.MaxFlowrate(ctx, ch)
			if err != nil {
				return 0, 0, err
			}
			if i == 0 || r < minRate {
				minRate = r
			}
		}
		return 0, minRate, nil
	}
	ch := channel[0]
	r, err := p.MaxFlowrate(ctx, ch)
	if err != nil {
		return 0, 0, err
	}
	return ch, r, nil
}

// setDirection selects clockwise (K) for negative values and counterclockwise
// (J) otherwise.
func (p *Pump) setDirection(ctx context.Context, channel int, v float64) error {
	cmd := "%dJ"
	if v < 0 {
		cmd = "%dK"
	}
	_, err := p.hw.Command(ctx, p.cmdf(cmd, channel))
	return err
}

// start marks the channel running before sending H so the state is visible
// from the moment the command is accepted, then starts it.
func (p *Pump) start(ctx context.Context, channel int) error {
	p.hw.SetRunning(true, channel)
	_, err := p.hw.Command(ctx, p.cmdf("%dH", channel))
	return err
}

func (p *Pump) cmdf(format string, args ...interface{}) []byte {
	return []byte(fmt.Sprintf(format, args...))
}

func clampMagnitude(v, max float64) float64 {
	if math.Abs(v) > max {
		return v / math.Abs(v) * max
	}
	return v
}
