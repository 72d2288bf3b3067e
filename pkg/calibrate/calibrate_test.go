package calibrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmu-go/pkg/config"
	"mmu-go/pkg/errors"
	"mmu-go/pkg/persist"
	"mmu-go/pkg/sensor"
)

// fakeRig replays scripted encoder counts and measurements so each
// routine sees a deterministic machine.
type fakeRig struct {
	enc *sensor.Encoder

	counts   []int64 // pulses produced per MoveGear call
	countIdx int

	homeMeasures []float64 // HomeToExtruder returns, in order
	homeIdx      int

	springs   []float64 // ReleaseFilament returns, in order; 0 when exhausted
	springIdx int

	failMoveCall int // 1-based MoveGear call that errors, 0 never
	moveCalls    int
	moves        []float64

	travel   float64
	selected []int
	homedSel bool
	unloaded []float64
}

func (r *fakeRig) SelectGate(ctx context.Context, gate int) error {
	r.selected = append(r.selected, gate)
	return nil
}

func (r *fakeRig) MoveGear(ctx context.Context, dist, speed float64) (float64, error) {
	r.moveCalls++
	if r.failMoveCall > 0 && r.moveCalls == r.failMoveCall {
		return 0, errors.TimeoutError("move gear")
	}
	r.moves = append(r.moves, dist)
	if r.enc != nil && r.countIdx < len(r.counts) {
		r.enc.AddCounts(r.counts[r.countIdx])
		r.countIdx++
	}
	return dist, nil
}

func (r *fakeRig) HomeToExtruder(ctx context.Context, maxDist float64) (float64, error) {
	if r.homeIdx >= len(r.homeMeasures) {
		return 0, errors.EndstopError("extruder", maxDist)
	}
	m := r.homeMeasures[r.homeIdx]
	r.homeIdx++
	return m, nil
}

func (r *fakeRig) ReleaseFilament(ctx context.Context) (float64, error) {
	if r.springIdx >= len(r.springs) {
		return 0, nil
	}
	s := r.springs[r.springIdx]
	r.springIdx++
	return s, nil
}

func (r *fakeRig) UnloadBowden(ctx context.Context, length float64) (float64, error) {
	r.unloaded = append(r.unloaded, length)
	return length, nil
}

func (r *fakeRig) HomeSelector(ctx context.Context) error {
	r.homedSel = true
	return nil
}

func (r *fakeRig) TouchSelector(ctx context.Context, maxDist float64) (float64, error) {
	return r.travel, nil
}

func calConfig(numGates int) *config.MMU {
	return &config.MMU{
		NumGates:           numGates,
		GearShortMoveSpeed: 50,
		EncoderStdevWarn:   2.0,
		ClogLengthFactor:   1.0,
		CadGate0Pos:        4.2,
		CadGateWidth:       21.0,
		CadLastGateOffset:  2.0,
		CalTolerance:       5.0,
		CalMaxGates:        12,
	}
}

func newCalibrator(cfg *config.MMU, rig *fakeRig) (*Calibrator, *persist.MemStore) {
	store := persist.NewMemStore()
	sensors := sensor.NewManager()
	if rig.enc != nil {
		sensors.RegisterEncoder(rig.enc)
	}
	profile := &Profile{GearRotationDistance: DefaultGearRotationDistance}
	return NewCalibrator(cfg, sensors, store, profile, rig), store
}

func TestEncoderCalibration(t *testing.T) {
	rig := &fakeRig{
		enc:    sensor.NewEncoder(1.0),
		counts: []int64{368, 368, 369, 369, 369, 369},
	}
	cal, store := newCalibrator(calConfig(4), rig)

	res, err := cal.Encoder(context.Background(), 400, 3, false)
	require.NoError(t, err)

	assert.Len(t, res.Samples, 6)
	assert.InDelta(t, 368.667, res.Stats.Mean, 0.001)
	assert.InDelta(t, 400.0/368.667, res.Resolution, 0.0001)
	assert.False(t, res.Saved)

	// Not saved: live encoder and store untouched.
	assert.Equal(t, 1.0, rig.enc.Resolution())
	raw, err := store.Get(persist.KeyEncoderResolution)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestEncoderCalibrationPerDirection(t *testing.T) {
	rig := &fakeRig{
		enc: sensor.NewEncoder(1.0),
		// forward, reverse, forward, reverse
		counts: []int64{400, 398, 402, 398},
	}
	cal, _ := newCalibrator(calConfig(4), rig)

	res, err := cal.Encoder(context.Background(), 400, 2, false)
	require.NoError(t, err)

	assert.InDelta(t, 401.0, res.Forward.Mean, 0.001)
	assert.InDelta(t, 398.0, res.Reverse.Mean, 0.001)
	assert.InDelta(t, 399.5, res.Stats.Mean, 0.001)
	assert.InDelta(t, 400.0/399.5, res.Resolution, 0.0001)
}

func TestEncoderCalibrationSave(t *testing.T) {
	rig := &fakeRig{
		enc:    sensor.NewEncoder(1.0),
		counts: []int64{400, 400},
	}
	cal, store := newCalibrator(calConfig(4), rig)

	res, err := cal.Encoder(context.Background(), 400, 1, true)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Resolution, 1e-9)
	assert.Equal(t, res.Resolution, rig.enc.Resolution())

	var stored float64
	ok, err := persist.GetJSON(store, persist.KeyEncoderResolution, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Resolution, stored)
}

func TestEncoderCalibrationNoCounts(t *testing.T) {
	rig := &fakeRig{enc: sensor.NewEncoder(1.0)}
	cal, _ := newCalibrator(calConfig(4), rig)

	_, err := cal.Encoder(context.Background(), 400, 1, false)
	assert.True(t, errors.Is(err, errors.ErrMovementMismatch))
}

func TestEncoderCalibrationNoEncoder(t *testing.T) {
	cal, _ := newCalibrator(calConfig(4), &fakeRig{})
	_, err := cal.Encoder(context.Background(), 400, 1, false)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestGearCalibration(t *testing.T) {
	cal, store := newCalibrator(calConfig(4), &fakeRig{})

	// Fed 98mm when 100mm was commanded: rotation distance shrinks.
	newDist, err := cal.Gear(100, 98, true)
	require.NoError(t, err)
	assert.InDelta(t, DefaultGearRotationDistance*0.98, newDist, 1e-9)

	var stored float64
	ok, err := persist.GetJSON(store, persist.KeyGearRotationDist, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newDist, stored)
}

func TestGearCalibrationRescalesBowden(t *testing.T) {
	cal, store := newCalibrator(calConfig(4), &fakeRig{})
	cal.profile.BowdenLength = 698
	cal.profile.ClogLength = 22

	_, err := cal.Gear(100, 98, true)
	require.NoError(t, err)

	// The physical tube did not change; the commanded length compensates
	// for the new rotation distance.
	assert.InDelta(t, 698/0.98, cal.profile.BowdenLength, 1e-9)
	assert.InDelta(t, 22/0.98, cal.profile.ClogLength, 1e-9)

	var stored float64
	ok, err := persist.GetJSON(store, persist.KeyBowdenLength, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 698/0.98, stored, 1e-9)
}

func TestGearCalibrationImplausible(t *testing.T) {
	cal, _ := newCalibrator(calConfig(4), &fakeRig{})
	_, err := cal.Gear(100, 50, true)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestBowdenCalibration(t *testing.T) {
	rig := &fakeRig{
		enc:          sensor.NewEncoder(1.0),
		homeMeasures: []float64{697.2, 698.1, 697.5},
		springs:      []float64{0.7, 0.9, 0.8},
	}
	cal, store := newCalibrator(calConfig(4), rig)

	res, err := cal.Bowden(context.Background(), 700, 3, true)
	require.NoError(t, err)

	assert.InDelta(t, 697.6, res.Length, 0.001)
	// clog = max(2% of length, 8) + largest springback
	assert.InDelta(t, 0.02*697.6+0.9, res.ClogLength, 0.001)
	assert.InDelta(t, 0.9, res.Spring, 0.001)
	assert.Zero(t, res.Discarded)
	assert.Len(t, rig.unloaded, 3, "every sample is retracted before the next")

	var stored float64
	ok, err := persist.GetJSON(store, persist.KeyBowdenLength, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 697.6, stored, 0.001)
}

func TestBowdenCalibrationClogFloor(t *testing.T) {
	rig := &fakeRig{
		enc:          sensor.NewEncoder(1.0),
		homeMeasures: []float64{100.0},
		springs:      []float64{0.4},
	}
	cal, _ := newCalibrator(calConfig(4), rig)

	res, err := cal.Bowden(context.Background(), 100, 1, false)
	require.NoError(t, err)
	// 2% of 100mm is below the 8mm floor.
	assert.InDelta(t, 8.4, res.ClogLength, 0.001)
	assert.False(t, res.Saved)
}

func TestBowdenCalibrationDiscardsContactlessPasses(t *testing.T) {
	// The middle pass stalls early and measures no springback: it never
	// touched the extruder and must not drag the average down.
	rig := &fakeRig{
		enc:          sensor.NewEncoder(1.0),
		homeMeasures: []float64{697.2, 650.0, 697.8},
		springs:      []float64{0.8, 0, 0.7},
	}
	cal, _ := newCalibrator(calConfig(4), rig)

	res, err := cal.Bowden(context.Background(), 700, 3, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)
	assert.InDelta(t, 697.5, res.Length, 0.001)
	assert.InDelta(t, 0.02*697.5+0.8, res.ClogLength, 0.001)
	assert.Len(t, rig.unloaded, 3, "discarded passes are still retracted")
}

func TestBowdenCalibrationNoContactAtAll(t *testing.T) {
	rig := &fakeRig{
		enc:          sensor.NewEncoder(1.0),
		homeMeasures: []float64{650.0, 648.0},
	}
	cal, _ := newCalibrator(calConfig(4), rig)

	_, err := cal.Bowden(context.Background(), 700, 2, true)
	assert.True(t, errors.Is(err, errors.ErrMovementMismatch))
}

func TestBowdenCalibrationHomingFails(t *testing.T) {
	rig := &fakeRig{enc: sensor.NewEncoder(1.0)}
	cal, _ := newCalibrator(calConfig(4), rig)
	_, err := cal.Bowden(context.Background(), 700, 1, true)
	assert.True(t, errors.Is(err, errors.ErrEndstopNotReached))

	// The failed pass still parks: a full-window retract was issued.
	require.Len(t, rig.unloaded, 1)
	assert.InDelta(t, 700*1.5, rig.unloaded[0], 0.001)
}

func TestSelectorAutoCalibration(t *testing.T) {
	// 4 gates: 4.2 + 3*21.0 + 2.0 = 69.2mm expected travel.
	rig := &fakeRig{travel: 69.2}
	cal, store := newCalibrator(calConfig(4), rig)

	res, err := cal.SelectorAuto(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, rig.homedSel)
	assert.InDelta(t, 21.0, res.GateWidth, 0.001)
	require.Len(t, res.Offsets, 4)
	assert.InDelta(t, 4.2, res.Offsets[0], 0.001)
	assert.InDelta(t, 67.2, res.Offsets[3], 0.001)

	var offsets []float64
	ok, err := persist.GetJSON(store, persist.KeySelectorOffsets, &offsets)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, offsets, 4)
}

func TestSelectorAutoAdjustsWidth(t *testing.T) {
	// Travel longer than CAD: gate width stretches to fit.
	rig := &fakeRig{travel: 72.2}
	cal, _ := newCalibrator(calConfig(4), rig)

	res, err := cal.SelectorAuto(context.Background(), false)
	require.NoError(t, err)
	assert.InDelta(t, 22.0, res.GateWidth, 0.001)
}

func TestSelectorAutoTooManyGates(t *testing.T) {
	cfg := calConfig(16)
	cal, _ := newCalibrator(cfg, &fakeRig{travel: 400})
	_, err := cal.SelectorAuto(context.Background(), false)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestSelectorManual(t *testing.T) {
	cal, store := newCalibrator(calConfig(4), &fakeRig{})

	require.NoError(t, cal.Selector(2, 46.5, true))
	pos, ok := cal.Profile().SelectorOffset(2)
	require.True(t, ok)
	assert.Equal(t, 46.5, pos)

	var offsets []float64
	ok, err := persist.GetJSON(store, persist.KeySelectorOffsets, &offsets)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 46.5, offsets[2])

	assert.True(t, errors.Is(cal.Selector(9, 1, true), errors.ErrConfig))
}

func TestGatesCalibration(t *testing.T) {
	enc := sensor.NewEncoder(1.0)
	rig := &fakeRig{
		enc: enc,
		// gate 1 forward/back, gate 2 forward/back
		counts: []int64{98, 0, 104, 0},
	}
	cal, _ := newCalibrator(calConfig(4), rig)

	res, err := cal.Gates(context.Background(), []int{1, 2}, 100, 1, true)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, rig.selected)
	assert.InDelta(t, 0.98, res.Ratios[1], 0.001)
	assert.InDelta(t, 1.04, res.Ratios[2], 0.001)

	assert.Equal(t, 0.98, cal.Profile().GateRatio(1))
	assert.Equal(t, 1.0, cal.Profile().GateRatio(0), "uncalibrated gate defaults to 1.0")
}

func TestGatesCalibrationRetractsOnFailure(t *testing.T) {
	enc := sensor.NewEncoder(1.0)
	rig := &fakeRig{
		enc:          enc,
		counts:       []int64{98, 0},
		failMoveCall: 3, // gate 2's feed move
	}
	cal, _ := newCalibrator(calConfig(4), rig)

	_, err := cal.Gates(context.Background(), []int{1, 2}, 100, 1, true)
	assert.True(t, errors.Is(err, errors.ErrTimeout))

	// gate 1: feed and retract; gate 2: feed failed, best-effort retract.
	require.Len(t, rig.moves, 3)
	assert.Equal(t, -100.0, rig.moves[2], "failed feed must be backed out")
}

func TestGatesCalibrationRejectsImplausible(t *testing.T) {
	enc := sensor.NewEncoder(1.0)
	rig := &fakeRig{
		enc:    enc,
		counts: []int64{50, 0}, // ratio 0.5, far outside the band
	}
	cal, _ := newCalibrator(calConfig(4), rig)

	res, err := cal.Gates(context.Background(), []int{1}, 100, 1, true)
	require.NoError(t, err)
	assert.Empty(t, res.Ratios)
	assert.Equal(t, 1.0, cal.Profile().GateRatio(1))
}

func TestProfileRoundTrip(t *testing.T) {
	store := persist.NewMemStore()
	require.NoError(t, persist.PutJSON(store, persist.KeyBowdenLength, 697.6))
	require.NoError(t, persist.PutJSON(store, persist.KeySelectorOffsets, []float64{4.2, 25.2}))

	p, err := LoadProfile(store, 2)
	require.NoError(t, err)
	assert.True(t, p.Complete())
	assert.Equal(t, 697.6, p.BowdenLength)
	assert.Equal(t, DefaultGearRotationDistance, p.GearRotationDistance)

	// Mismatched gate count discards the persisted offsets.
	p3, err := LoadProfile(store, 3)
	require.NoError(t, err)
	assert.Nil(t, p3.SelectorOffsets)
	assert.False(t, p3.Complete())
}
