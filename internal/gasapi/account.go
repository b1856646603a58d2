package gasapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/gas-metering-client/internal/auth"
	"github.com/septivank/gas-metering-client/internal/tariff"
	"github.com/septivank/gas-metering-client/internal/usage"
	"github.com/septivank/gas-metering-client/tools/timeparser"
)

// DefaultReadingRangeDays is how far back daily readings are requested
// when the caller does not say.
const DefaultReadingRangeDays = 92

// AccountSnapshot is the account-level view from the debt endpoint:
// balance, arrears and the meter's last-contact timestamps.
type AccountSnapshot struct {
	UserCode   string  `json:"userCode"`
	UserName   string  `json:"userName"`
	Address    string  `json:"address"`
	Balance    float64 `json:"balance"`
	DebtAmount float64 `json:"debtAmount"`
	// LastReadingAt and MeterOnlineAt are zero when the server omits them.
	LastReadingAt time.Time `json:"lastReadingAt,omitempty"`
	MeterOnlineAt time.Time `json:"meterOnlineAt,omitempty"`
}

// AccountClient is the authenticated facade over the metering API. Every
// call goes through the session; a 401/403 triggers exactly one token
// refresh and one replay before the error is surfaced.
type AccountClient struct {
	api     *Client
	session *auth.Session
	agg     *usage.Aggregator
	logger  *zap.Logger
}

// NewAccountClient creates the facade.
func NewAccountClient(api *Client, session *auth.Session, agg *usage.Aggregator, logger *zap.Logger) *AccountClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountClient{api: api, session: session, agg: agg, logger: logger}
}

// Session exposes the underlying auth session for login flows.
func (ac *AccountClient) Session() *auth.Session {
	return ac.session
}

// doAuthed runs an authenticated call. On a token rejection the session
// recovers (or reuses a newer credential another caller already fetched)
// and the request is replayed once.
func (ac *AccountClient) doAuthed(ctx context.Context, method, path string, payload any, idempotent bool) (json.RawMessage, error) {
	cred, err := ac.session.EnsureAuthenticated(ctx)
	if err != nil {
		return nil, err
	}

	data, err := ac.api.call(ctx, method, path, payload, cred.AccessToken, idempotent)
	if err == nil || !errors.Is(err, errUnauthorized) {
		return data, err
	}

	ac.logger.Info("token rejected, recovering session", zap.String("path", path))
	cred, err = ac.session.RecoverUnauthorized(ctx, cred.AccessToken)
	if err != nil {
		return nil, err
	}

	data, err = ac.api.call(ctx, method, path, payload, cred.AccessToken, idempotent)
	if errors.Is(err, errUnauthorized) {
		return nil, fmt.Errorf("%w: request rejected after token refresh", auth.ErrAuthentication)
	}
	return data, err
}

// dayRecord is one daily reading on the wire.
type dayRecord struct {
	ReadingLastTime    string   `json:"readingLastTime"`
	MeterReadValue     apiFloat `json:"meterReadValue"`
	GasVolume          apiFloat `json:"gasVolume"`
	GasFee             apiFloat `json:"gasFee"`
	RemoteMeterBalance apiFloat `json:"remoteMeterBalance"`
}

// FetchDailyReadings fetches the last rangeDays of daily meter records.
// Records with unparseable timestamps are dropped with a warning rather
// than failing the batch.
func (ac *AccountClient) FetchDailyReadings(ctx context.Context, rangeDays int) ([]usage.DailyReading, error) {
	if rangeDays <= 0 {
		rangeDays = DefaultReadingRangeDays
	}
	cred, err := ac.session.EnsureAuthenticated(ctx)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf(pathDailyRecords, cred.MdmCode, cred.UserCode) +
		fmt.Sprintf("?days=%d", rangeDays)
	data, err := ac.doAuthed(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	data, err = unwrapData(data)
	if err != nil {
		return nil, err
	}

	var records []dayRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: malformed daily records: %v", ErrAPI, err)
	}

	readings := make([]usage.DailyReading, 0, len(records))
	for _, rec := range records {
		date, err := timeparser.ParseReadingTimestamp(rec.ReadingLastTime)
		if err != nil {
			ac.logger.Warn("dropping reading with bad timestamp",
				zap.String("raw", rec.ReadingLastTime), zap.Error(err))
			continue
		}
		readings = append(readings, usage.DailyReading{
			Date:       date,
			MeterValue: float64(rec.MeterReadValue),
			Volume:     float64(rec.GasVolume),
			Fee:        float64(rec.GasFee),
			Balance:    float64(rec.RemoteMeterBalance),
		})
	}
	return readings, nil
}

// rateItem is one ladder rung on the wire.
type rateItem struct {
	RateName    string   `json:"rateName"`
	BeginVolume apiFloat `json:"beginVolume"`
	EndVolume   apiFloat `json:"endVolume"`
	Price       apiFloat `json:"price"`
}

// monthlyTotalPayload carries the yearly total and the rate ladder.
type monthlyTotalPayload struct {
	TotalGasVolume apiFloat   `json:"totalGasVolume"`
	RateItemInfo   []rateItem `json:"rateItemInfo"`
}

// FetchTariffSchedule fetches and validates the account's rate ladder.
func (ac *AccountClient) FetchTariffSchedule(ctx context.Context) (*tariff.Schedule, error) {
	cred, err := ac.session.EnsureAuthenticated(ctx)
	if err != nil {
		return nil, err
	}

	data, err := ac.doAuthed(ctx, http.MethodPost, pathMonthlyTotal,
		map[string]string{"userCode": cred.UserCode}, true)
	if err != nil {
		return nil, err
	}
	data, err = unwrapData(data)
	if err != nil {
		return nil, err
	}

	var payload monthlyTotalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed tariff payload: %v", ErrAPI, err)
	}

	tiers := make([]tariff.Tier, 0, len(payload.RateItemInfo))
	for _, item := range payload.RateItemInfo {
		tier := tariff.Tier{
			Lower:     float64(item.BeginVolume),
			Upper:     float64(item.EndVolume),
			UnitPrice: float64(item.Price),
		}
		// The server sends an empty end volume on the last rung.
		if tier.Upper <= tier.Lower {
			tier.Upper = 0
			tier.Unbounded = true
		}
		tiers = append(tiers, tier)
	}
	return tariff.NewSchedule(tiers)
}

// FetchAccountSnapshot fetches balance, debt and meter contact times.
func (ac *AccountClient) FetchAccountSnapshot(ctx context.Context) (AccountSnapshot, error) {
	cred, err := ac.session.EnsureAuthenticated(ctx)
	if err != nil {
		return AccountSnapshot{}, err
	}

	path := pathUserDebt + "?userCode=" + url.QueryEscape(cred.UserCode)
	data, err := ac.doAuthed(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return AccountSnapshot{}, err
	}

	var payload struct {
		UserCode        string   `json:"userCode"`
		UserName        string   `json:"userName"`
		Address         string   `json:"address"`
		Balance         apiFloat `json:"balance"`
		DebtAmount      apiFloat `json:"debtAmount"`
		LastReadingTime string   `json:"lastReadingTime"`
		MeterCommTime   string   `json:"meterCommTime"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return AccountSnapshot{}, fmt.Errorf("%w: malformed debt payload: %v", ErrAPI, err)
	}

	snap := AccountSnapshot{
		UserCode:   payload.UserCode,
		UserName:   payload.UserName,
		Address:    payload.Address,
		Balance:    float64(payload.Balance),
		DebtAmount: float64(payload.DebtAmount),
	}
	if payload.LastReadingTime != "" {
		if ts, err := timeparser.ParseReadingTimestamp(payload.LastReadingTime); err == nil {
			snap.LastReadingAt = ts
		}
	}
	if payload.MeterCommTime != "" {
		if ts, err := timeparser.ParseReadingTimestamp(payload.MeterCommTime); err == nil {
			snap.MeterOnlineAt = ts
		}
	}
	return snap, nil
}

// FetchUsage fetches readings and the tariff ladder, then aggregates them
// into a snapshot. A failed tariff fetch degrades to a snapshot without
// tier fields instead of failing the whole refresh.
func (ac *AccountClient) FetchUsage(ctx context.Context, rangeDays int) (usage.Snapshot, error) {
	readings, err := ac.FetchDailyReadings(ctx, rangeDays)
	if err != nil {
		return usage.Snapshot{}, err
	}

	schedule, err := ac.FetchTariffSchedule(ctx)
	if err != nil {
		ac.logger.Warn("tariff schedule unavailable, aggregating without tiers", zap.Error(err))
		schedule = nil
	}

	return ac.agg.Aggregate(readings, schedule, time.Now()), nil
}
