package db

import (
	"time"

	"github.com/google/uuid"
)

// CredentialRecord is a persisted credential blob for one account. The
// payload is the exported credential JSON; the database never interprets
// its fields.
type CredentialRecord struct {
	ID        uuid.UUID
	UserCode  string
	Payload   []byte
	UpdatedAt time.Time
}

// DailyReadingRow is one stored daily meter reading
type DailyReadingRow struct {
	ID          uuid.UUID
	UserCode    string
	ReadingDate time.Time
	MeterValue  float64
	Volume      float64
	Fee         float64
	Balance     float64
	FetchedAt   time.Time
}

// UsageSnapshotRecord is one stored aggregation result
type UsageSnapshotRecord struct {
	ID           uuid.UUID
	UserCode     string
	GeneratedAt  time.Time
	Payload      []byte
	AnomalyCount int
}
