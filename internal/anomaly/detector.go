package anomaly

import (
	"fmt"
)

// Detector flags suspicious meter data with configurable thresholds.
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds.
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// DetectRollback checks consecutive cumulative meter values. A decrease
// means a meter rollover or a server-side correction; the incremental
// volume for that record must be clamped, never summed as negative usage.
func (d *Detector) DetectRollback(prevMeterValue, meterValue float64) (bool, string) {
	if meterValue < prevMeterValue {
		return true, fmt.Sprintf("cumulative meter value decreased from %.3f to %.3f",
			prevMeterValue, meterValue)
	}
	return false, ""
}

// DetectSpike checks a daily incremental volume against the rolling
// average of recent days.
func (d *Detector) DetectSpike(volume float64, historical []float64) (bool, string) {
	if volume < 0 {
		return true, "negative incremental volume"
	}

	if len(historical) < d.minDataPointsForDetection {
		return false, ""
	}

	sum := 0.0
	for _, v := range historical {
		sum += v
	}
	average := sum / float64(len(historical))

	if average > 0 && volume > d.spikeThreshold*average {
		return true, fmt.Sprintf("sudden spike detected: volume %.2f exceeds %.1fx rolling average %.2f",
			volume, d.spikeThreshold, average)
	}

	return false, ""
}
