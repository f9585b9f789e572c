package anomaly

import (
	"fmt"
	"strings"
)

func summarize(records []Record, measurements int) string {
	if len(records) == 0 {
		return fmt.Sprintf("No anomalies found in %d measurements", measurements)
	}

	var sensors []string
	perSensor := map[string]int{}
	perSeverity := map[Severity]int{}
	for _, r := range records {
		if _, ok := perSensor[r.Sensor]; !ok {
			sensors = append(sensors, r.Sensor)
		}
		perSensor[r.Sensor]++
		perSeverity[r.Severity]++
	}

	lines := []string{fmt.Sprintf("%d anomalies found:", len(records))}
	for _, s := range sensors {
		lines = append(lines, fmt.Sprintf("  - %s: %d", s, perSensor[s]))
	}
	for _, sev := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium} {
		if n := perSeverity[sev]; n > 0 {
			lines = append(lines, fmt.Sprintf("  %s: %d", sev, n))
		}
	}
	return strings.Join(lines, "\n")
}
