package metadata

import "time"

const (
	// CounterSavedURLs holds the number of URLs tracked by the system.
	CounterSavedURLs = "urls"
	// CheckpointLiveness names the liveness sweeper's checkpoint row.
	CheckpointLiveness = "liveness"
)

// SweepSentinel is the far-past mark a finished sweep cycle restarts from.
var SweepSentinel = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// URLMetadata stores per-URL bookkeeping keyed by the encoded URL.
type URLMetadata struct {
	// size matches slug.MaxIDLength.
	URLID              string `gorm:"column:url_id;primaryKey;size:700;not null"`
	LastViewedMillis   *int64 `gorm:"column:last_viewed_ms;index:idx_url_metadata_last_viewed"`
	LastVerifiedMillis *int64 `gorm:"column:last_verified_ms;index:idx_url_metadata_last_verified"`
	InterestCount      int64  `gorm:"column:interest_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (URLMetadata) TableName() string {
	return "url_metadata"
}

// Counter stores a named system-wide total.
type Counter struct {
	Name  string `gorm:"column:name;primaryKey;size:190;not null"`
	Value int64  `gorm:"column:value;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "counters"
}

// SweepCheckpoint stores the low-water mark of a resumable sweep.
type SweepCheckpoint struct {
	Name                    string `gorm:"column:name;primaryKey;size:190;not null"`
	LastVerifiedRunOnMillis int64  `gorm:"column:last_verified_run_on_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SweepCheckpoint) TableName() string {
	return "sweep_checkpoints"
}

// VerifiedURL is a sweep candidate together with its last verification time.
type VerifiedURL struct {
	URL          string
	LastVerified time.Time
}

// ScanBatch is one page of a full URL scan. The final call carries no URLs
// and Complete set to true.
type ScanBatch struct {
	URLs     []string
	Complete bool
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
