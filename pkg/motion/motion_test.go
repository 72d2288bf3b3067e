package motion

import (
	"context"
	"testing"
	"time"

	"mmu-go/pkg/errors"
)

func newTestController() (*Controller, *SimActuator, *SimActuator) {
	c := NewController(Limits{MaxSpeed: 300, MaxAccel: 1000, WatchdogSlack: 100 * time.Millisecond})
	gear := NewSimActuator("gear")
	extruder := NewSimActuator("extruder")
	c.RegisterActuator(gear)
	c.RegisterActuator(extruder)
	c.RegisterEndstop(EndstopInfo{Name: "toolhead"})
	c.RegisterEndstop(EndstopInfo{Name: "collision", Virtual: true})
	return c, gear, extruder
}

func TestMoveSingle(t *testing.T) {
	c, gear, _ := newTestController()
	moved, err := c.Move(context.Background(), Single("gear"), 50, 100, 400)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if moved != 50 {
		t.Errorf("moved = %.1f, want 50", moved)
	}
	if gear.Position() != 50 {
		t.Errorf("position = %.1f, want 50", gear.Position())
	}
}

func TestMoveSynced(t *testing.T) {
	c, gear, extruder := newTestController()
	_, err := c.Move(context.Background(), Synced("gear", "extruder"), 20, 50, 400)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if gear.Position() != 20 {
		t.Errorf("driver position = %.1f, want 20", gear.Position())
	}
	if extruder.Position() != 20 {
		t.Errorf("follower position = %.1f, want 20", extruder.Position())
	}
}

func TestMoveUnknownActuator(t *testing.T) {
	c, _, _ := newTestController()
	_, err := c.Move(context.Background(), Single("servo"), 10, 50, 400)
	if !errors.Is(err, errors.ErrConfig) {
		t.Errorf("want CONFIG error for unknown actuator, got %v", err)
	}
}

func TestHomingMoveTriggers(t *testing.T) {
	c, gear, _ := newTestController()
	gear.SetEndstopPosition("toolhead", 30)

	res, err := c.HomingMove(context.Background(), Single("gear"), 100, 50, 400, "toolhead", Forward)
	if err != nil {
		t.Fatalf("HomingMove failed: %v", err)
	}
	if !res.Triggered {
		t.Error("endstop should have triggered")
	}
	if res.Moved != 30 {
		t.Errorf("moved = %.1f, want 30", res.Moved)
	}
}

func TestHomingMoveEndstopNotReached(t *testing.T) {
	c, gear, _ := newTestController()
	gear.SetEndstopPosition("toolhead", 500)

	_, err := c.HomingMove(context.Background(), Single("gear"), 100, 50, 400, "toolhead", Forward)
	if !errors.Is(err, errors.ErrEndstopNotReached) {
		t.Errorf("want ENDSTOP_NOT_REACHED, got %v", err)
	}
}

func TestReverseHomingOnVirtualEndstopRejected(t *testing.T) {
	c, gear, _ := newTestController()
	before := gear.Position()

	_, err := c.HomingMove(context.Background(), Single("gear"), -100, 50, 400, "collision", Reverse)
	if !errors.Is(err, errors.ErrConfig) {
		t.Errorf("want CONFIG error, got %v", err)
	}
	if gear.Position() != before {
		t.Error("no actuator should move on a rejected homing request")
	}
}

func TestUnknownEndstop(t *testing.T) {
	c, _, _ := newTestController()
	_, err := c.HomingMove(context.Background(), Single("gear"), 10, 50, 400, "nope", Forward)
	if !errors.Is(err, errors.ErrConfig) {
		t.Errorf("want CONFIG error, got %v", err)
	}
}

func TestWatchdogTimeout(t *testing.T) {
	c, gear, _ := newTestController()
	gear.Delay = 2 * time.Second

	start := time.Now()
	_, err := c.Move(context.Background(), Single("gear"), 10, 100, 400)
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("want TIMEOUT, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("watchdog took %s, should abort well before the stalled move finishes", elapsed)
	}
}

// stalledActuator wedges every move until its context is cancelled.
type stalledActuator struct {
	name     string
	released chan struct{}
}

func (a *stalledActuator) Name() string { return a.name }

func (a *stalledActuator) Move(ctx context.Context, dist, speed, accel float64) (float64, error) {
	<-ctx.Done()
	close(a.released)
	return 0, ctx.Err()
}

func (a *stalledActuator) HomingMove(ctx context.Context, dist, speed, accel float64, endstop string, dir Direction) (float64, bool, error) {
	<-ctx.Done()
	close(a.released)
	return 0, false, ctx.Err()
}

func (a *stalledActuator) SetCurrentFraction(f float64) error { return nil }

func TestWatchdogCancelsStalledMove(t *testing.T) {
	c := NewController(Limits{MaxSpeed: 300, MaxAccel: 1000, WatchdogSlack: 50 * time.Millisecond})
	a := &stalledActuator{name: "gear", released: make(chan struct{})}
	c.RegisterActuator(a)

	_, err := c.Move(context.Background(), Single("gear"), 10, 100, 400)
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("want TIMEOUT, got %v", err)
	}
	// The wedged actuator must be told to stop before the caller
	// believes the axis is free.
	select {
	case <-a.released:
	case <-time.After(time.Second):
		t.Fatal("stalled actuator never saw the cancellation")
	}
}

func TestSpeedClampedToLimits(t *testing.T) {
	c := NewController(Limits{MaxSpeed: 100, MaxAccel: 500, WatchdogSlack: time.Second})
	speed, accel := c.clamp(9999, 99999)
	if speed != 100 {
		t.Errorf("speed = %.1f, want clamped to 100", speed)
	}
	if accel != 500 {
		t.Errorf("accel = %.1f, want clamped to 500", accel)
	}
	speed, accel = c.clamp(0, -5)
	if speed != 100 || accel != 500 {
		t.Errorf("zero/negative requests should fall back to ceilings, got %.1f/%.1f", speed, accel)
	}
}

func TestMoveTime(t *testing.T) {
	// 100mm at 50mm/s with instant accel: 2s cruise
	d := moveTime(100, 50, 0)
	if d < 1900*time.Millisecond || d > 2100*time.Millisecond {
		t.Errorf("moveTime = %s, want ~2s", d)
	}
	// Short move never reaches cruise speed
	d = moveTime(1, 100, 100)
	if d <= 0 {
		t.Error("short move time should be positive")
	}
	if moveTime(0, 50, 100) != 0 {
		t.Error("zero distance should take zero time")
	}
}

func TestWithCurrentFraction(t *testing.T) {
	c, gear, _ := newTestController()
	var during float64
	err := c.WithCurrentFraction("gear", 0.3, func() error {
		during = gear.CurrentFraction()
		return nil
	})
	if err != nil {
		t.Fatalf("WithCurrentFraction failed: %v", err)
	}
	if during != 0.3 {
		t.Errorf("current during = %.2f, want 0.3", during)
	}
	if gear.CurrentFraction() != 1.0 {
		t.Errorf("current after = %.2f, want restored to 1.0", gear.CurrentFraction())
	}
}

func TestSimSlip(t *testing.T) {
	c, gear, _ := newTestController()
	gear.SetSlip(0.05)
	var measured float64
	gear.OnMove = func(actual float64) { measured += actual }

	moved, err := c.Move(context.Background(), Single("gear"), 100, 100, 400)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if moved != 95 {
		t.Errorf("moved = %.1f, want 95 with 5%% slip", moved)
	}
	if measured != 95 {
		t.Errorf("OnMove total = %.1f, want 95", measured)
	}
}
