// mmud is the host-side daemon for a multi-material filament unit.
// It owns the filament transport state machine, gate and tool mapping,
// calibration, and persistent statistics, and publishes status and
// state change events over HTTP/WebSocket.
//
// Usage:
//
//	mmud -config ~/mmu.cfg [options]
//
// Options:
//
//	-config string   MMU configuration file (required)
//	-addr string     Notification server address (default ":7125")
//	-db string       Variables database path (default "mmu_vars.db")
//	-loglevel string Log level: debug, info, warn, error (default "info")
//	-logfile string  Log file path (default: stderr)
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mmu-go/pkg/calibrate"
	"mmu-go/pkg/config"
	"mmu-go/pkg/control"
	"mmu-go/pkg/gatemap"
	"mmu-go/pkg/log"
	"mmu-go/pkg/motion"
	"mmu-go/pkg/notify"
	"mmu-go/pkg/persist"
	"mmu-go/pkg/sensor"
	"mmu-go/pkg/state"
	"mmu-go/pkg/stats"
)

func main() {
	configFile := flag.String("config", "", "MMU configuration file (required)")
	addr := flag.String("addr", ":7125", "Notification server address")
	dbPath := flag.String("db", "mmu_vars.db", "Variables database path")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warn, error")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	// Logging must be configured before any component logger is built;
	// Component loggers inherit level and writer at creation time.
	log.Default().SetLevel(log.ParseLevel(*logLevel))
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		log.Default().SetWriter(f)
	}
	logger := log.Default()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	mmuCfg, err := config.LoadMMU(cfg)
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", log.Fields{
		"config":  *configFile,
		"gates":   mmuCfg.NumGates,
		"sensors": fmt.Sprintf("%v", mmuCfg.Sensors),
	})

	store, err := persist.OpenSQLite(*dbPath)
	if err != nil {
		logger.Errorf("variables store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	profile, err := calibrate.LoadProfile(store, mmuCfg.NumGates)
	if err != nil {
		logger.Errorf("calibration profile: %v", err)
		os.Exit(1)
	}
	if !profile.Complete() {
		logger.Warn("calibration incomplete, run the calibration commands before printing")
	}

	mc, sensors := buildRig(mmuCfg, profile, logger)

	stateCtx := state.NewContext()
	gates, err := gatemap.New(mmuCfg, store)
	if err != nil {
		logger.Errorf("gate map: %v", err)
		os.Exit(1)
	}
	tracker, err := stats.NewTracker(store, mmuCfg.NumGates)
	if err != nil {
		logger.Errorf("statistics: %v", err)
		os.Exit(1)
	}

	ctrl := control.New(mmuCfg, mc, sensors, stateCtx, gates, profile, tracker, store, nil)
	ctrl.AttachCalibrator(calibrate.NewCalibrator(mmuCfg, sensors, store, profile, ctrl))

	srv := notify.New(notify.Config{Addr: *addr, Source: ctrl, Metrics: tracker})
	srv.Attach(stateCtx, gates)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", log.Fields{"signal": sig.String()})
		srv.Stop()
	}()

	logger.Info("mmud starting", log.Fields{"addr": *addr, "db": *dbPath})
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("server: %v", err)
		os.Exit(1)
	}

	if err := store.Flush(); err != nil {
		logger.Warnf("flush on shutdown: %v", err)
	}
}

// buildRig assembles the motion controller and sensor manager from the
// configuration. Actuators are simulated; a machine transport replaces
// them by registering its own motion.Actuator implementations.
func buildRig(cfg *config.MMU, profile *calibrate.Profile, logger *log.Logger) (*motion.Controller, *sensor.Manager) {
	mc := motion.NewController(motion.Limits{
		MaxSpeed:      cfg.MaxGearSpeed,
		MaxAccel:      cfg.MaxAccel,
		WatchdogSlack: time.Duration(cfg.WatchdogSlack * float64(time.Second)),
	})

	gear := motion.NewSimActuator(control.ActuatorGear)
	selector := motion.NewSimActuator(control.ActuatorSelector)
	extruder := motion.NewSimActuator(control.ActuatorExtruder)
	mc.RegisterActuator(gear)
	mc.RegisterActuator(selector)
	mc.RegisterActuator(extruder)
	mc.RegisterEndstop(motion.EndstopInfo{Name: control.EndstopSelectorHome})

	sensors := sensor.NewManager()
	for _, name := range cfg.Sensors {
		switch name {
		case config.SensorEncoder:
			res := profile.EncoderResolution
			if res <= 0 {
				res = 1.0
				logger.Warn("encoder resolution not calibrated, using 1.0 mm/count")
			}
			enc := sensor.NewEncoder(res)
			sensors.RegisterEncoder(enc)
			gear.OnMove = func(actual float64) {
				enc.AddCounts(int64(math.Round(math.Abs(actual) / res)))
			}
		case config.SensorGate:
			sensors.RegisterSwitch(sensor.NewSwitch(sensor.SwitchConfig{Name: name}))
			mc.RegisterEndstop(motion.EndstopInfo{Name: control.EndstopGate})
		case config.SensorExtruderEntry:
			sensors.RegisterSwitch(sensor.NewSwitch(sensor.SwitchConfig{Name: name}))
			mc.RegisterEndstop(motion.EndstopInfo{Name: control.EndstopExtruderEntry})
		case config.SensorToolhead:
			sensors.RegisterSwitch(sensor.NewSwitch(sensor.SwitchConfig{Name: name}))
			mc.RegisterEndstop(motion.EndstopInfo{Name: control.EndstopToolhead})
		case config.SensorSelectorTouch:
			sensors.RegisterSwitch(sensor.NewSwitch(sensor.SwitchConfig{Name: name, Virtual: true}))
			mc.RegisterEndstop(motion.EndstopInfo{Name: control.EndstopSelectorTouch, Virtual: true})
		default:
			logger.Warnf("unknown sensor %q in configuration, ignored", name)
		}
	}
	return mc, sensors
}
