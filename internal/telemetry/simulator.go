package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"machina/internal/domain"
)

// SensorProfile describes the normal behavior of one sensor.
type SensorProfile struct {
	Name               string
	Unit               string
	Min, Max           float64
	Mean, Std          float64
	AnomalyProbability float64
}

// Profiles maps machine types to their sensors.
var Profiles = map[string][]SensorProfile{
	"CNC": {
		{"temperature", "°C", 15, 90, 45, 8, 0.03},
		{"vibration", "mm/s", 0, 5, 0.5, 0.3, 0.08},
		{"spindle_speed", "RPM", 0, 12000, 6000, 1500, 0.02},
		{"power_consumption", "kW", 0, 50, 25, 8, 0.04},
	},
	"Press": {
		{"pressure", "bar", 0, 500, 200, 40, 0.06},
		{"temperature", "°C", 20, 100, 60, 12, 0.04},
		{"cycle_time", "s", 5, 30, 15, 3, 0.03},
		{"force", "kN", 0, 1000, 400, 80, 0.05},
	},
	"Conveyor": {
		{"speed", "m/min", 0, 100, 50, 10, 0.02},
		{"temperature", "°C", 20, 80, 40, 8, 0.03},
		{"load", "kg", 0, 500, 200, 50, 0.04},
	},
}

// DemoMachines are created by SeedDemoMachines on an empty database.
var DemoMachines = []domain.Machine{
	{Name: "CNC-Mill-01", Type: "CNC", Location: "Hall A"},
	{Name: "Hydraulic-Press-02", Type: "Press", Location: "Hall B"},
	{Name: "Conveyor-Belt-03", Type: "Conveyor", Location: "Hall A"},
}

// Deviation thresholds, in standard deviations, for simulator events.
const (
	warningSigma  = 2.0
	criticalSigma = 3.0
)

type machineSim struct {
	machine   domain.Machine
	sensors   []SensorProfile
	remaining int
}

// Simulator produces sensor readings for registered machines. Each machine
// occasionally enters an anomaly episode of 3 to 10 steps during which its
// readings lie 3 to 5 standard deviations from normal.
type Simulator struct {
	store    *Store
	rng      *rand.Rand
	now      func() time.Time
	logger   *slog.Logger
	machines []*machineSim
}

// NewSimulator creates a simulator writing to store. A fixed seed makes runs
// reproducible.
func NewSimulator(store *Store, seed int64, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		store:  store,
		rng:    rand.New(rand.NewSource(seed)),
		now:    time.Now,
		logger: logger.With("component", "simulator"),
	}
}

// AddMachine registers a machine whose type has a sensor profile.
func (s *Simulator) AddMachine(m domain.Machine) error {
	sensors, ok := Profiles[m.Type]
	if !ok {
		return fmt.Errorf("telemetry: no sensor profile for machine type %q", m.Type)
	}
	s.machines = append(s.machines, &machineSim{machine: m, sensors: sensors})
	s.logger.Info("machine added to simulation", "machine_id", m.ID, "type", m.Type)
	return nil
}

func (s *Simulator) reading(m *machineSim, p SensorProfile) float64 {
	if s.rng.Float64() < p.AnomalyProbability {
		m.remaining = 3 + s.rng.Intn(8)
	}
	var v float64
	if m.remaining > 0 {
		offset := (3 + 2*s.rng.Float64()) * p.Std
		if s.rng.Float64() < 0.5 {
			offset = -offset
		}
		v = p.Mean + offset
	} else {
		v = p.Mean + s.rng.NormFloat64()*p.Std
	}
	v = math.Max(p.Min, math.Min(p.Max, v))
	return math.Round(v*100) / 100
}

// Step records one reading per sensor for every machine and raises events for
// readings far from normal.
func (s *Simulator) Step(ctx context.Context) error {
	ts := s.now()
	for _, m := range s.machines {
		readings := make([]domain.Reading, len(m.sensors))
		for i, p := range m.sensors {
			readings[i] = domain.Reading{
				MachineID:  m.machine.ID,
				Timestamp:  ts,
				SensorType: p.Name,
				Value:      s.reading(m, p),
				Unit:       p.Unit,
			}
		}
		if m.remaining > 0 {
			m.remaining--
		}
		if err := s.store.AddMeasurements(ctx, readings); err != nil {
			return err
		}
		for i, p := range m.sensors {
			if err := s.checkEvent(ctx, m.machine.ID, p, readings[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Simulator) checkEvent(ctx context.Context, machineID int64, p SensorProfile, r domain.Reading) error {
	deviation := math.Abs(r.Value-p.Mean) / p.Std
	level := ""
	switch {
	case deviation > criticalSigma:
		level = LevelCritical
	case deviation > warningSigma:
		level = LevelWarning
	default:
		return nil
	}
	_, err := s.store.AddEvent(ctx, Event{
		MachineID:  machineID,
		Timestamp:  r.Timestamp,
		Level:      level,
		Message:    fmt.Sprintf("%s %s: %.2f %s (deviation: %.1fσ)", p.Name, levelWord(level), r.Value, p.Unit, deviation),
		SensorType: p.Name,
		Value:      r.Value,
		Deviation:  deviation,
	})
	return err
}

func levelWord(level string) string {
	if level == LevelCritical {
		return "critical"
	}
	return "warning"
}

// Run steps every interval until ctx is cancelled or duration has elapsed. A
// zero duration runs until cancellation. It returns the number of completed
// steps.
func (s *Simulator) Run(ctx context.Context, interval, duration time.Duration) (int, error) {
	if interval <= 0 {
		interval = time.Second
	}
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	s.logger.Info("simulation started", "machines", len(s.machines), "interval", interval)
	start := time.Now()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	steps := 0
loop:
	for {
		if err := s.Step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return steps, err
		}
		steps++
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}
	s.logger.Info("simulation ended", "steps", steps, "elapsed", time.Since(start).Round(time.Millisecond))
	return steps, nil
}

// SeedDemoMachines creates DemoMachines when the store has no machines and
// returns every machine in the store.
func SeedDemoMachines(ctx context.Context, store *Store) ([]domain.Machine, error) {
	machines, err := store.Machines(ctx)
	if err != nil {
		return nil, err
	}
	if len(machines) > 0 {
		return machines, nil
	}
	for _, m := range DemoMachines {
		if _, err := store.AddMachine(ctx, m.Name, m.Type, m.Location); err != nil {
			return nil, err
		}
	}
	return store.Machines(ctx)
}
