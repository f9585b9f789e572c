// Package anomaly flags unusual sensor readings with a z-score rule and an
// optional isolation forest, and summarizes the findings per sensor.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"machina/internal/domain"
)

// Severity labels an anomaly. LOW exists for API compatibility; the z-score
// gate never produces it.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Detection method tags.
const (
	MethodZScore          = "z-score"
	MethodIsolationForest = "isolation-forest"
)

// WindowMode selects how Request.WindowMinutes narrows the fetched rows.
type WindowMode string

const (
	// WindowRows keeps the newest 2×WindowMinutes rows, assuming roughly two
	// readings per minute.
	WindowRows WindowMode = "rows"
	// WindowTime keeps rows within WindowMinutes of the newest reading.
	WindowTime WindowMode = "time"
)

// MeasurementSource returns readings for a machine, newest first. An empty
// sensorType means every sensor.
type MeasurementSource interface {
	Measurements(ctx context.Context, machineID int64, sensorType string, limit int) ([]domain.Reading, error)
}

// Options tunes the detector. Zero fields take the defaults.
type Options struct {
	RowLimit   int
	MinRows    int
	MinGroup   int
	MinForest  int
	ZThreshold float64
	Window     WindowMode
}

func (o Options) withDefaults() Options {
	if o.RowLimit <= 0 {
		o.RowLimit = 1000
	}
	if o.MinRows <= 0 {
		o.MinRows = 10
	}
	if o.MinGroup <= 0 {
		o.MinGroup = 5
	}
	if o.MinForest <= 0 {
		o.MinForest = 20
	}
	if o.ZThreshold <= 0 {
		o.ZThreshold = 3.0
	}
	if o.Window == "" {
		o.Window = WindowRows
	}
	return o
}

// Request selects the readings to analyze.
type Request struct {
	MachineID     int64  `json:"machine_id"`
	SensorType    string `json:"sensor_type,omitempty"`
	WindowMinutes int    `json:"window_minutes"`
}

// Record is one flagged reading.
type Record struct {
	Sensor    string
	Timestamp time.Time
	Value     float64
	Method    string
	Deviation *float64
	Severity  Severity
}

type recordJSON struct {
	Sensor    string   `json:"sensor"`
	Timestamp string   `json:"timestamp"`
	Value     float64  `json:"value"`
	Method    string   `json:"method"`
	Deviation *float64 `json:"deviation,omitempty"`
	Severity  Severity `json:"severity"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Sensor:    r.Sensor,
		Timestamp: r.Timestamp.Format(time.RFC3339),
		Value:     r.Value,
		Method:    r.Method,
		Deviation: r.Deviation,
		Severity:  r.Severity,
	})
}

// Result is the outcome of one analysis.
type Result struct {
	AnomaliesDetected int      `json:"anomalies_detected"`
	Summary           string   `json:"summary"`
	Details           []Record `json:"details"`
}

// Detector analyzes readings fetched from a MeasurementSource.
type Detector struct {
	source   MeasurementSource
	outliers OutlierDetector
	opts     Options
	logger   *slog.Logger
}

// NewDetector builds a detector. outliers is the isolation capability chosen
// at startup; nil disables it.
func NewDetector(source MeasurementSource, outliers OutlierDetector, opts Options, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if outliers == nil {
		outliers = Disabled{}
	}
	return &Detector{
		source:   source,
		outliers: outliers,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "anomaly"),
	}
}

// Analyze runs the detectors over the requested readings. It never fails;
// problems are reported in the summary and logged.
func (d *Detector) Analyze(ctx context.Context, req Request) Result {
	log := d.logger.With("machine_id", req.MachineID, "sensor_type", req.SensorType)

	rows, err := d.source.Measurements(ctx, req.MachineID, req.SensorType, d.opts.RowLimit)
	if err != nil {
		log.Error("loading measurements failed", "err", err)
		return empty(fmt.Sprintf("Measurements for machine %d could not be loaded.", req.MachineID))
	}
	if len(rows) == 0 {
		return empty("No measurements in the database. Start a data source first, for example: machina simulate")
	}
	if len(rows) < d.opts.MinRows {
		return empty(fmt.Sprintf("Only %d measurements available. At least %d are needed for analysis.", len(rows), d.opts.MinRows))
	}

	rows = d.window(rows, req.WindowMinutes)

	var found []Record
	for _, g := range groupBySensor(rows) {
		found = append(found, d.detect(ctx, log, g)...)
	}
	log.Info("analysis finished", "measurements", len(rows), "anomalies", len(found))
	return Result{
		AnomaliesDetected: len(found),
		Summary:           summarize(found, len(rows)),
		Details:           nonNil(found),
	}
}

func empty(summary string) Result {
	return Result{Summary: summary, Details: []Record{}}
}

func nonNil(records []Record) []Record {
	if records == nil {
		return []Record{}
	}
	return records
}

// window narrows newest-first rows to the requested lookback.
func (d *Detector) window(rows []domain.Reading, minutes int) []domain.Reading {
	if minutes <= 0 {
		return rows
	}
	switch d.opts.Window {
	case WindowTime:
		newest := rows[0].Timestamp
		for _, r := range rows {
			if r.Timestamp.After(newest) {
				newest = r.Timestamp
			}
		}
		cutoff := newest.Add(-time.Duration(minutes) * time.Minute)
		kept := make([]domain.Reading, 0, len(rows))
		for _, r := range rows {
			if !r.Timestamp.Before(cutoff) {
				kept = append(kept, r)
			}
		}
		return kept
	default:
		if n := 2 * minutes; n < len(rows) {
			return rows[:n]
		}
		return rows
	}
}

type sensorGroup struct {
	sensor string
	rows   []domain.Reading
}

func groupBySensor(rows []domain.Reading) []sensorGroup {
	var groups []sensorGroup
	pos := map[string]int{}
	for _, r := range rows {
		i, ok := pos[r.SensorType]
		if !ok {
			i = len(groups)
			pos[r.SensorType] = i
			groups = append(groups, sensorGroup{sensor: r.SensorType})
		}
		groups[i].rows = append(groups[i].rows, r)
	}
	return groups
}

func (d *Detector) detect(ctx context.Context, log *slog.Logger, g sensorGroup) []Record {
	if len(g.rows) < d.opts.MinGroup {
		return nil
	}
	values := make([]float64, len(g.rows))
	for i, r := range g.rows {
		values[i] = r.Value
	}

	var found []Record
	flagged := map[int64]struct{}{}
	for _, s := range zScores(values, d.opts.ZThreshold) {
		r := g.rows[s.index]
		z := s.z
		found = append(found, Record{
			Sensor:    g.sensor,
			Timestamp: r.Timestamp,
			Value:     r.Value,
			Method:    MethodZScore,
			Deviation: &z,
			Severity:  classify(z),
		})
		flagged[r.Timestamp.UnixNano()] = struct{}{}
	}

	if len(values) < d.opts.MinForest {
		return found
	}
	outliers, err := d.safeOutliers(ctx, values)
	if err != nil {
		log.Warn("isolation forest failed", "sensor", g.sensor, "err", err)
		return found
	}
	for i, out := range outliers {
		if !out || i >= len(g.rows) {
			continue
		}
		r := g.rows[i]
		if _, dup := flagged[r.Timestamp.UnixNano()]; dup {
			continue
		}
		found = append(found, Record{
			Sensor:    g.sensor,
			Timestamp: r.Timestamp,
			Value:     r.Value,
			Method:    MethodIsolationForest,
			Severity:  SeverityMedium,
		})
		flagged[r.Timestamp.UnixNano()] = struct{}{}
	}
	return found
}

func (d *Detector) safeOutliers(ctx context.Context, values []float64) (out []bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("anomaly: outlier detector panicked: %v", r)
		}
	}()
	return d.outliers.Outliers(ctx, values)
}
