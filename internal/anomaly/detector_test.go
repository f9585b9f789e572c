package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machina/internal/domain"
)

type fakeSource struct {
	rows []domain.Reading
	err  error
}

func (f fakeSource) Measurements(_ context.Context, _ int64, sensorType string, limit int) ([]domain.Reading, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Reading
	for _, r := range f.rows {
		if sensorType != "" && r.SensorType != sensorType {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type stubOutliers struct {
	flag []int
	err  error
	pnc  bool
}

func (s stubOutliers) Outliers(_ context.Context, values []float64) ([]bool, error) {
	if s.pnc {
		panic("index out of range")
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make([]bool, len(values))
	for _, i := range s.flag {
		out[i] = true
	}
	return out, nil
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// series returns newest-first readings one minute apart.
func series(sensor string, values ...float64) []domain.Reading {
	rows := make([]domain.Reading, len(values))
	for i, v := range values {
		rows[i] = domain.Reading{MachineID: 1, SensorType: sensor, Value: v, Timestamp: base.Add(-time.Duration(i) * time.Minute)}
	}
	return rows
}

// spike returns n values that are zero except for v at index at.
func spike(n, at int, v float64) []float64 {
	values := make([]float64, n)
	values[at] = v
	return values
}

func analyze(t *testing.T, rows []domain.Reading, outliers OutlierDetector, opts Options, req Request) Result {
	t.Helper()
	d := NewDetector(fakeSource{rows: rows}, outliers, opts, nil)
	if req.MachineID == 0 {
		req.MachineID = 1
	}
	return d.Analyze(context.Background(), req)
}

func TestAnalyze_NoRows(t *testing.T) {
	res := analyze(t, nil, nil, Options{}, Request{})
	assert.Equal(t, 0, res.AnomaliesDetected)
	assert.Contains(t, res.Summary, "machina simulate")
	assert.NotNil(t, res.Details)
	assert.Empty(t, res.Details)
}

func TestAnalyze_TooFewRows(t *testing.T) {
	res := analyze(t, series("temperature", 40, 41, 90), nil, Options{}, Request{})
	assert.Equal(t, 0, res.AnomaliesDetected)
	assert.Contains(t, res.Summary, "Only 3 measurements")
	assert.Empty(t, res.Details)
}

func TestAnalyze_SourceError(t *testing.T) {
	d := NewDetector(fakeSource{err: errors.New("database is locked")}, nil, Options{}, nil)
	res := d.Analyze(context.Background(), Request{MachineID: 7})
	assert.Equal(t, 0, res.AnomaliesDetected)
	assert.Contains(t, res.Summary, "machine 7")
}

func TestAnalyze_ConstantSignal(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 45
	}
	res := analyze(t, series("temperature", values...), NewIsolationForest(), Options{}, Request{})
	assert.Equal(t, 0, res.AnomaliesDetected)
	assert.Equal(t, "No anomalies found in 30 measurements", res.Summary)
}

func TestAnalyze_ZScoreSeverityTiers(t *testing.T) {
	cases := []struct {
		n    int
		want Severity
	}{
		{100, SeverityCritical}, // z = sqrt(99)
		{20, SeverityHigh},      // z = sqrt(19)
		{11, SeverityMedium},    // z = sqrt(10)
	}
	for _, tc := range cases {
		res := analyze(t, series("vibration", spike(tc.n, 3, 50)...), Disabled{}, Options{}, Request{})
		require.Equal(t, 1, res.AnomaliesDetected, "n=%d", tc.n)
		got := res.Details[0]
		assert.Equal(t, tc.want, got.Severity)
		assert.Equal(t, MethodZScore, got.Method)
		assert.Equal(t, 50.0, got.Value)
		assert.Equal(t, base.Add(-3*time.Minute), got.Timestamp)
		require.NotNil(t, got.Deviation)
		assert.InDelta(t, float64(tc.n-1), *got.Deviation**got.Deviation, 1e-9)
	}
}

func TestAnalyze_ZScoreGateIsStrict(t *testing.T) {
	// ten points with one spike give z = 3 exactly
	res := analyze(t, series("vibration", spike(10, 0, 50)...), Disabled{}, Options{}, Request{})
	assert.Equal(t, 0, res.AnomaliesDetected)
}

func TestAnalyze_SmallGroupsAreSkipped(t *testing.T) {
	rows := append(series("temperature", 45, 46, 45, 44, 45, 46, 45, 44, 45, 46, 45, 44),
		series("pressure", 0, 0, 0, 900)...)
	res := analyze(t, rows, Disabled{}, Options{}, Request{})
	assert.Equal(t, 0, res.AnomaliesDetected)
	assert.Equal(t, "No anomalies found in 16 measurements", res.Summary)
}

func TestAnalyze_IsolationDeduplicatesAgainstZScore(t *testing.T) {
	rows := series("temperature", spike(20, 0, 50)...)
	res := analyze(t, rows, stubOutliers{flag: []int{0, 5}}, Options{}, Request{})

	require.Equal(t, 2, res.AnomaliesDetected)
	assert.Equal(t, MethodZScore, res.Details[0].Method)
	assert.Equal(t, SeverityHigh, res.Details[0].Severity)
	assert.Equal(t, MethodIsolationForest, res.Details[1].Method)
	assert.Equal(t, SeverityMedium, res.Details[1].Severity)
	assert.Equal(t, rows[5].Timestamp, res.Details[1].Timestamp)
	assert.Nil(t, res.Details[1].Deviation)
	assert.Equal(t, "2 anomalies found:\n  - temperature: 2\n  HIGH: 1\n  MEDIUM: 1", res.Summary)
}

func TestAnalyze_IsolationNeedsTwentyPoints(t *testing.T) {
	rows := series("temperature", spike(19, 0, 50)...)
	res := analyze(t, rows, stubOutliers{flag: []int{5}}, Options{}, Request{})
	require.Equal(t, 1, res.AnomaliesDetected)
	assert.Equal(t, MethodZScore, res.Details[0].Method)
}

func TestAnalyze_IsolationFailureKeepsZScore(t *testing.T) {
	for name, od := range map[string]OutlierDetector{
		"error": stubOutliers{err: errors.New("singular matrix")},
		"panic": stubOutliers{pnc: true},
	} {
		t.Run(name, func(t *testing.T) {
			res := analyze(t, series("temperature", spike(40, 2, 50)...), od, Options{}, Request{})
			require.Equal(t, 1, res.AnomaliesDetected)
			assert.Equal(t, MethodZScore, res.Details[0].Method)
		})
	}
}

func TestAnalyze_RowWindowKeepsNewest(t *testing.T) {
	// the spike is the oldest reading and falls outside 2×10 rows
	rows := series("temperature", spike(100, 99, 50)...)
	res := analyze(t, rows, Disabled{}, Options{}, Request{WindowMinutes: 10})
	assert.Equal(t, 0, res.AnomaliesDetected)
	assert.Equal(t, "No anomalies found in 20 measurements", res.Summary)

	res = analyze(t, rows, Disabled{}, Options{}, Request{})
	assert.Equal(t, 1, res.AnomaliesDetected)
}

func TestAnalyze_TimeWindow(t *testing.T) {
	rows := series("temperature", spike(100, 99, 50)...)
	res := analyze(t, rows, Disabled{}, Options{Window: WindowTime}, Request{WindowMinutes: 10})
	assert.Equal(t, "No anomalies found in 11 measurements", res.Summary)
}

func TestAnalyze_SensorFilterAndOrder(t *testing.T) {
	rows := append(series("vibration", spike(11, 1, 50)...), series("temperature", spike(100, 4, 90)...)...)

	res := analyze(t, rows, Disabled{}, Options{}, Request{})
	require.Equal(t, 2, res.AnomaliesDetected)
	assert.Equal(t, "vibration", res.Details[0].Sensor)
	assert.Equal(t, "temperature", res.Details[1].Sensor)
	assert.Equal(t, "2 anomalies found:\n  - vibration: 1\n  - temperature: 1\n  CRITICAL: 1\n  MEDIUM: 1", res.Summary)

	res = analyze(t, rows, Disabled{}, Options{}, Request{SensorType: "temperature"})
	require.Equal(t, 1, res.AnomaliesDetected)
	assert.Equal(t, "temperature", res.Details[0].Sensor)
}

func TestSummary_NeverListsLow(t *testing.T) {
	got := summarize([]Record{{Sensor: "a", Severity: SeverityLow}, {Sensor: "a", Severity: SeverityCritical}}, 50)
	assert.Equal(t, "2 anomalies found:\n  - a: 2\n  CRITICAL: 1", got)
	assert.Equal(t, "No anomalies found in 50 measurements", summarize(nil, 50))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, SeverityCritical, classify(5.01))
	assert.Equal(t, SeverityHigh, classify(5))
	assert.Equal(t, SeverityHigh, classify(4.01))
	assert.Equal(t, SeverityMedium, classify(4))
	assert.Equal(t, SeverityMedium, classify(3.01))
	assert.Equal(t, SeverityLow, classify(3))
}

func TestRecordJSON(t *testing.T) {
	z := 4.5
	data, err := json.Marshal(Result{AnomaliesDetected: 2, Summary: "s", Details: []Record{
		{Sensor: "temperature", Timestamp: base, Value: 88.1, Method: MethodZScore, Deviation: &z, Severity: SeverityHigh},
		{Sensor: "temperature", Timestamp: base, Value: 70, Method: MethodIsolationForest, Severity: SeverityMedium},
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"anomalies_detected": 2,
		"summary": "s",
		"details": [
			{"sensor":"temperature","timestamp":"2024-03-01T12:00:00Z","value":88.1,"method":"z-score","deviation":4.5,"severity":"HIGH"},
			{"sensor":"temperature","timestamp":"2024-03-01T12:00:00Z","value":70,"method":"isolation-forest","severity":"MEDIUM"}
		]
	}`, string(data))
}
