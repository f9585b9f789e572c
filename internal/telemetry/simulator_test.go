package telemetry

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machina/internal/anomaly"
	"machina/internal/domain"
)

func TestSeedDemoMachines(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	machines, err := SeedDemoMachines(ctx, s)
	require.NoError(t, err)
	require.Len(t, machines, 3)

	again, err := SeedDemoMachines(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, machines, again)
}

func TestSimulator_UnknownType(t *testing.T) {
	sim := NewSimulator(openStore(t), 1, nil)
	assert.Error(t, sim.AddMachine(domain.Machine{ID: 1, Type: "Robot"}))
}

func TestSimulator_StepWritesEverySensor(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	machines, err := SeedDemoMachines(ctx, s)
	require.NoError(t, err)

	sim := NewSimulator(s, 7, nil)
	for _, m := range machines {
		require.NoError(t, sim.AddMachine(m))
	}
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		sim.now = func() time.Time { return tick }
		require.NoError(t, sim.Step(ctx))
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5*(4+4+3), st.Measurements)

	for _, m := range machines {
		rows, err := s.Measurements(ctx, m.ID, "", 100)
		require.NoError(t, err)
		assert.Len(t, rows, 5*len(Profiles[m.Type]))
		for _, r := range rows {
			assert.InDelta(t, math.Round(r.Value*100), r.Value*100, 1e-6, "two decimals")
		}
	}
}

func TestSimulator_ReadingsStayInRange(t *testing.T) {
	sim := NewSimulator(nil, 3, nil)
	m := &machineSim{sensors: Profiles["CNC"]}
	for i := 0; i < 2000; i++ {
		for _, p := range m.sensors {
			v := sim.reading(m, p)
			assert.GreaterOrEqual(t, v, p.Min)
			assert.LessOrEqual(t, v, p.Max)
		}
	}
}

func TestSimulator_AnomalyEpisode(t *testing.T) {
	sim := NewSimulator(nil, 11, nil)
	p := SensorProfile{Name: "pressure", Min: 0, Max: 500, Mean: 200, Std: 40, AnomalyProbability: 1}
	m := &machineSim{}
	v := sim.reading(m, p)
	assert.GreaterOrEqual(t, m.remaining, 3)
	assert.LessOrEqual(t, m.remaining, 10)
	dev := math.Abs(v-p.Mean) / p.Std
	assert.GreaterOrEqual(t, dev, 2.99)
	assert.LessOrEqual(t, dev, 5.01)
}

func TestSimulator_RunStopsAfterDuration(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	machines, err := SeedDemoMachines(ctx, s)
	require.NoError(t, err)
	sim := NewSimulator(s, 5, nil)
	require.NoError(t, sim.AddMachine(machines[0]))

	steps, err := sim.Run(ctx, 10*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, steps, 1)
}

func TestSimulatedDataFeedsDetector(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id, err := s.AddMachine(ctx, "CNC-Mill-01", "CNC", "Hall A")
	require.NoError(t, err)
	m, err := s.Machine(ctx, id)
	require.NoError(t, err)

	sim := NewSimulator(s, 42, nil)
	require.NoError(t, sim.AddMachine(m))
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		tick := base.Add(time.Duration(i) * 30 * time.Second)
		sim.now = func() time.Time { return tick }
		require.NoError(t, sim.Step(ctx))
	}

	res := anomaly.NewDetector(s, anomaly.NewIsolationForest(), anomaly.Options{}, nil).Analyze(ctx, anomaly.Request{MachineID: id})
	assert.Equal(t, len(res.Details), res.AnomaliesDetected)
	assert.NotEmpty(t, res.Summary)
	assert.NotContains(t, res.Summary, "Only")
}
