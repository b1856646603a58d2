package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/gas-metering-client/internal/auth"
	"github.com/septivank/gas-metering-client/internal/config"
	"github.com/septivank/gas-metering-client/internal/db"
	"github.com/septivank/gas-metering-client/internal/gasapi"
	"github.com/septivank/gas-metering-client/internal/logging"
	"github.com/septivank/gas-metering-client/internal/mq"
	"github.com/septivank/gas-metering-client/internal/tariff"
	"github.com/septivank/gas-metering-client/internal/usage"
	"go.uber.org/zap"
)

// credentialAlertRoutingKey carries alerts that need operator action.
const credentialAlertRoutingKey = "gas.credential.required"

// PollCommand is an on-demand refresh request from the command queue
type PollCommand struct {
	RequestID string `json:"request_id"`
	UserCode  string `json:"user_code,omitempty"`
	RangeDays int    `json:"range_days,omitempty"`
}

// UsageSource fetches account data from the metering API
type UsageSource interface {
	FetchDailyReadings(ctx context.Context, rangeDays int) ([]usage.DailyReading, error)
	FetchTariffSchedule(ctx context.Context) (*tariff.Schedule, error)
	FetchAccountSnapshot(ctx context.Context) (gasapi.AccountSnapshot, error)
	Session() *auth.Session
}

// SnapshotStore persists readings, snapshots and the credential blob
type SnapshotStore interface {
	LoadCredential(ctx context.Context, userCode string) ([]byte, error)
	SaveCredential(ctx context.Context, userCode string, payload []byte) error
	UpsertDailyReadings(ctx context.Context, rows []db.DailyReadingRow) error
	InsertSnapshot(ctx context.Context, record *db.UsageSnapshotRecord) error
	GetReadingsSince(ctx context.Context, userCode string, since time.Time) ([]db.DailyReadingRow, error)
}

// EventPublisher publishes refresh outcomes
type EventPublisher interface {
	PublishSnapshot(ctx context.Context, event mq.SnapshotEvent, routingKey string) error
	PublishCredentialAlert(ctx context.Context, event mq.CredentialAlertEvent, routingKey string) error
}

// Poller drives usage refreshes: fetch readings and the tariff ladder,
// aggregate, persist, publish. It runs on a timer and on demand from the
// command queue.
type Poller struct {
	source     UsageSource
	aggregator *usage.Aggregator
	store      SnapshotStore
	publisher  EventPublisher
	cfg        *config.Config
	logger     *zap.Logger
}

// NewPoller creates a new poller
func NewPoller(
	source UsageSource,
	aggregator *usage.Aggregator,
	store SnapshotStore,
	publisher EventPublisher,
	cfg *config.Config,
	logger *zap.Logger,
) *Poller {
	return &Poller{
		source:     source,
		aggregator: aggregator,
		store:      store,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
	}
}

// RestoreCredential loads a persisted credential into the session. A
// missing or stale blob is not an error; the account just needs a login.
func (p *Poller) RestoreCredential(ctx context.Context) error {
	blob, err := p.store.LoadCredential(ctx, p.cfg.Account.UserCode)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if blob == nil {
		p.logger.Info("no stored credential, login required")
		return nil
	}

	var cred auth.Credential
	if err := json.Unmarshal(blob, &cred); err != nil {
		p.logger.Warn("stored credential is unreadable, login required", zap.Error(err))
		return nil
	}
	if err := p.source.Session().ImportCredential(cred); err != nil {
		p.logger.Warn("stored credential is incomplete, login required", zap.Error(err))
		return nil
	}

	p.logger.Info("credential restored", zap.String("user_code", cred.UserCode))
	return nil
}

// HandleCommand processes one poll command from the queue
func (p *Poller) HandleCommand(ctx context.Context, body []byte) error {
	var cmd PollCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal poll command: %w", err)
	}
	if cmd.UserCode != "" && cmd.UserCode != p.cfg.Account.UserCode {
		return fmt.Errorf("poll command for unknown account %s", cmd.UserCode)
	}

	requestID := cmd.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return p.PollOnce(ctx, requestID, cmd.RangeDays)
}

// PollOnce performs one complete usage refresh
func (p *Poller) PollOnce(ctx context.Context, requestID string, rangeDays int) error {
	if rangeDays <= 0 {
		rangeDays = p.cfg.Poll.ReadingRangeDays
	}
	userCode := p.cfg.Account.UserCode
	reqLogger := logging.WithAccount(logging.WithRequestID(p.logger, requestID), userCode)
	reqLogger.Info("starting usage refresh", zap.Int("range_days", rangeDays))

	fetched, err := p.source.FetchDailyReadings(ctx, rangeDays)
	if err != nil {
		p.reportAuthFailure(ctx, requestID, err, reqLogger)
		return fmt.Errorf("fetch daily readings: %w", err)
	}

	// The API window is short; merge stored year-to-date history so the
	// yearly sums stay correct. Freshly fetched records win on overlap.
	readings := fetched
	now := time.Now()
	yearStart := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.Local)
	stored, err := p.store.GetReadingsSince(ctx, userCode, yearStart)
	if err != nil {
		reqLogger.Warn("failed to load stored readings", zap.Error(err))
	} else if len(stored) > 0 {
		readings = append(readingsFromRows(stored), fetched...)
	}

	schedule, err := p.source.FetchTariffSchedule(ctx)
	if err != nil {
		reqLogger.Warn("tariff schedule unavailable, aggregating without tiers", zap.Error(err))
		schedule = nil
	}

	account, err := p.source.FetchAccountSnapshot(ctx)
	if err != nil {
		reqLogger.Warn("account snapshot unavailable", zap.Error(err))
	} else {
		reqLogger.Info("account snapshot fetched",
			zap.Float64("balance", account.Balance),
			zap.Float64("debt", account.DebtAmount),
		)
	}

	snap := p.aggregator.Aggregate(readings, schedule, now)

	rows := readingRows(userCode, usage.NormalizeReadings(fetched))
	if err := p.store.UpsertDailyReadings(ctx, rows); err != nil {
		reqLogger.Error("failed to persist readings", zap.Error(err))
		return err
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	record := &db.UsageSnapshotRecord{
		UserCode:     userCode,
		GeneratedAt:  snap.GeneratedAt,
		Payload:      payload,
		AnomalyCount: len(snap.Anomalies),
	}
	if err := p.store.InsertSnapshot(ctx, record); err != nil {
		reqLogger.Error("failed to persist snapshot", zap.Error(err))
		return err
	}

	p.persistCredential(ctx, reqLogger)

	event := mq.SnapshotEvent{
		RequestID:   requestID,
		UserCode:    userCode,
		GeneratedAt: snap.GeneratedAt.Format(time.RFC3339),
		Balance:     account.Balance,
		DebtAmount:  account.DebtAmount,
		Snapshot:    payload,
	}
	if err := p.publisher.PublishSnapshot(ctx, event, p.cfg.RabbitMQ.EventsRoutingKey); err != nil {
		// The refresh itself succeeded and is persisted; do not fail it
		// over a publish error.
		reqLogger.Error("failed to publish snapshot event", zap.Error(err))
	}

	reqLogger.Info("usage refresh complete",
		zap.Int("readings", len(rows)),
		zap.Int("anomalies", len(snap.Anomalies)),
	)
	return nil
}

// Run drives the periodic refresh loop until the context is cancelled.
// The first refresh runs immediately.
func (p *Poller) Run(ctx context.Context) {
	interval := p.cfg.PollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("poll loop started", zap.Duration("interval", interval))
	for {
		if err := p.PollOnce(ctx, uuid.New().String(), 0); err != nil {
			p.logger.Error("usage refresh failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			p.logger.Info("poll loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// reportAuthFailure publishes a credential alert when a refresh died on
// authentication rather than a transient failure.
func (p *Poller) reportAuthFailure(ctx context.Context, requestID string, err error, logger *zap.Logger) {
	if !errors.Is(err, auth.ErrAuthentication) && !errors.Is(err, auth.ErrNoCredential) {
		return
	}

	event := mq.CredentialAlertEvent{
		RequestID: requestID,
		UserCode:  p.cfg.Account.UserCode,
		State:     p.source.Session().State().String(),
		Reason:    err.Error(),
	}
	if pubErr := p.publisher.PublishCredentialAlert(ctx, event, credentialAlertRoutingKey); pubErr != nil {
		logger.Error("failed to publish credential alert", zap.Error(pubErr))
	}
}

// persistCredential saves the current token material so a restart does
// not force a fresh login. Refreshes rotate the tokens, so this runs
// after every successful poll.
func (p *Poller) persistCredential(ctx context.Context, logger *zap.Logger) {
	cred, err := p.source.Session().ExportCredential()
	if err != nil {
		return
	}
	blob, err := json.Marshal(cred)
	if err != nil {
		return
	}
	if err := p.store.SaveCredential(ctx, cred.UserCode, blob); err != nil {
		logger.Warn("failed to persist credential", zap.Error(err))
	}
}

func readingsFromRows(rows []db.DailyReadingRow) []usage.DailyReading {
	readings := make([]usage.DailyReading, 0, len(rows))
	for _, row := range rows {
		readings = append(readings, usage.DailyReading{
			Date:       row.ReadingDate,
			MeterValue: row.MeterValue,
			Volume:     row.Volume,
			Fee:        row.Fee,
			Balance:    row.Balance,
		})
	}
	return readings
}

func readingRows(userCode string, readings []usage.DailyReading) []db.DailyReadingRow {
	now := time.Now()
	rows := make([]db.DailyReadingRow, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, db.DailyReadingRow{
			UserCode:    userCode,
			ReadingDate: r.Date,
			MeterValue:  r.MeterValue,
			Volume:      r.Volume,
			Fee:         r.Fee,
			Balance:     r.Balance,
			FetchedAt:   now,
		})
	}
	return rows
}
