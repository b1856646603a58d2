package usage

import (
	"time"

	"go.uber.org/zap"

	"github.com/septivank/gas-metering-client/internal/anomaly"
	"github.com/septivank/gas-metering-client/internal/tariff"
)

// Anomaly is one reported data irregularity. Aggregation never aborts on
// them; the snapshot carries the list for the host to surface.
type Anomaly struct {
	Date   time.Time `json:"date,omitempty"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// Anomaly kinds.
const (
	AnomalyMeterRollback   = "meter_rollback"
	AnomalyVolumeSpike     = "volume_spike"
	AnomalyInvalidSchedule = "invalid_tariff_schedule"
)

// Snapshot is the derived usage view, recomputed on every refresh and
// never persisted as source of truth.
type Snapshot struct {
	GeneratedAt time.Time `json:"generatedAt"`

	LatestDate  time.Time `json:"latestDate,omitempty"`
	DailyVolume float64   `json:"dailyVolume"`
	DailyCost   float64   `json:"dailyCost"`

	MonthVolume float64 `json:"monthVolume"`
	MonthCost   float64 `json:"monthCost"`
	// MonthCostEstimated is true when the month has no billed fees yet and
	// MonthCost is volume × current tier price instead of a server value.
	MonthCostEstimated bool `json:"monthCostEstimated"`

	YearVolume float64 `json:"yearVolume"`
	YearCost   float64 `json:"yearCost"`

	MonthlyVolumes map[string]float64 `json:"monthlyVolumes"`
	MonthlyCosts   map[string]float64 `json:"monthlyCosts"`

	// Tier fields are only populated when TariffValid is true.
	TariffValid     bool    `json:"tariffValid"`
	CurrentTier     int     `json:"currentTier"`
	UnitPrice       float64 `json:"unitPrice"`
	RemainingInTier float64 `json:"remainingInTier"`
	// RemainingBounded is false on the last tier, where headroom is
	// unlimited and RemainingInTier is meaningless.
	RemainingBounded bool `json:"remainingBounded"`

	Anomalies []Anomaly `json:"anomalies,omitempty"`
}

const monthKeyLayout = "2006-01"

// Aggregator turns a time-ordered reading sequence plus a ladder into a
// usage snapshot. It is a pure computation; the only side effect is logging.
type Aggregator struct {
	detector *anomaly.Detector
	logger   *zap.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(detector *anomaly.Detector, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{detector: detector, logger: logger}
}

// Aggregate computes the snapshot for the account at time now. A nil or
// invalid schedule skips the tier fields and reports an anomaly instead of
// failing the whole aggregation.
func (a *Aggregator) Aggregate(readings []DailyReading, schedule *tariff.Schedule, now time.Time) Snapshot {
	snap := Snapshot{
		GeneratedAt:    now,
		MonthlyVolumes: make(map[string]float64),
		MonthlyCosts:   make(map[string]float64),
	}

	normalized := NormalizeReadings(readings)

	var (
		recentVolumes []float64
		monthBilled   bool
	)
	currentMonth := now.Format(monthKeyLayout)
	currentYear := now.Year()

	for i, r := range normalized {
		volume := r.Volume

		if volume < 0 {
			snap.Anomalies = append(snap.Anomalies, Anomaly{
				Date: r.Date, Kind: AnomalyVolumeSpike, Detail: "negative incremental volume",
			})
			volume = 0
		}
		if i > 0 {
			if bad, reason := a.detector.DetectRollback(normalized[i-1].MeterValue, r.MeterValue); bad {
				a.logger.Warn("meter rollback detected",
					zap.Time("date", r.Date), zap.String("reason", reason))
				snap.Anomalies = append(snap.Anomalies, Anomaly{
					Date: r.Date, Kind: AnomalyMeterRollback, Detail: reason,
				})
				volume = 0
			}
		}
		if bad, reason := a.detector.DetectSpike(volume, recentVolumes); bad && volume > 0 {
			snap.Anomalies = append(snap.Anomalies, Anomaly{
				Date: r.Date, Kind: AnomalyVolumeSpike, Detail: reason,
			})
		}
		recentVolumes = append(recentVolumes, volume)

		monthKey := r.Date.Format(monthKeyLayout)
		snap.MonthlyVolumes[monthKey] += volume
		snap.MonthlyCosts[monthKey] += r.Fee

		if r.Date.Year() == currentYear {
			snap.YearVolume += volume
			snap.YearCost += r.Fee
		}
		if monthKey == currentMonth {
			snap.MonthVolume += volume
			if r.Fee > 0 {
				monthBilled = true
			}
		}
	}

	if n := len(normalized); n > 0 {
		latest := normalized[n-1]
		snap.LatestDate = latest.Date
		snap.DailyVolume = latest.Volume
		snap.DailyCost = latest.Fee
		if snap.DailyVolume < 0 {
			snap.DailyVolume = 0
		}
	}

	snap.MonthCost = snap.MonthlyCosts[currentMonth]

	if schedule == nil {
		snap.Anomalies = append(snap.Anomalies, Anomaly{
			Kind: AnomalyInvalidSchedule, Detail: "no usable tariff schedule",
		})
		return snap
	}

	lookup := schedule.Lookup(snap.YearVolume)
	snap.TariffValid = true
	snap.CurrentTier = lookup.Tier.Index
	snap.UnitPrice = lookup.Tier.UnitPrice
	snap.RemainingInTier = lookup.Remaining
	snap.RemainingBounded = lookup.Bounded

	if !monthBilled {
		// Current month not billed yet: estimate from the tier price and
		// say so instead of passing the estimate off as billed cost.
		snap.MonthCost = snap.MonthVolume * lookup.Tier.UnitPrice
		snap.MonthCostEstimated = true
	}

	return snap
}
