package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"swapbank/native/bank"
)

// Record is the persisted form of a committed notification.
type Record struct {
	Cursor         uint64 `gorm:"column:journal_seq;primaryKey;autoIncrement"`
	NotificationID string `gorm:"size:66;uniqueIndex"`
	Kind           string `gorm:"size:32;index"`
	Principal      string `gorm:"size:42;index"`
	Asset          string `gorm:"size:42"`
	AmountIn       string
	AmountOut      string
	Sequence       uint64
	Receipt        string `gorm:"size:64"`
	OccurredAt     time.Time
	CreatedAt      time.Time
}

// TableName pins the journal table name.
func (Record) TableName() string { return "bank_notifications" }

// Journal appends notifications to a relational table.
type Journal struct {
	db *gorm.DB
}

// OpenJournal connects to the configured driver and migrates the schema.
func OpenJournal(driver, dsn string) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("notify: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("notify: open journal: %w", err)
	}
	return NewJournal(db)
}

// NewJournal wraps an existing connection.
func NewJournal(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("notify: database required")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("notify: migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Publish stores n. Replays of the same notification id are ignored.
func (j *Journal) Publish(ctx context.Context, n bank.Notification) error {
	_, _, err := j.Append(ctx, n)
	return err
}

// Append stores n and returns the stored row. created is false when the
// notification id was already journaled.
func (j *Journal) Append(ctx context.Context, n bank.Notification) (rec Record, created bool, err error) {
	rec = recordFrom(n)
	result := j.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "notification_id"}}, DoNothing: true}).
		Create(&rec)
	if result.Error != nil {
		return Record{}, false, fmt.Errorf("notify: append %s: %w", rec.NotificationID, result.Error)
	}
	return rec, result.RowsAffected > 0, nil
}

// After lists up to limit records with a cursor greater than cursor.
func (j *Journal) After(ctx context.Context, cursor uint64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Record
	err := j.db.WithContext(ctx).
		Where("journal_seq > ?", cursor).
		Order("journal_seq ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("notify: list journal: %w", err)
	}
	return out, nil
}

// Latest returns the most recent cursor, or zero for an empty journal.
func (j *Journal) Latest(ctx context.Context) (uint64, error) {
	var rec Record
	err := j.db.WithContext(ctx).Order("journal_seq DESC").Limit(1).Find(&rec).Error
	if err != nil {
		return 0, fmt.Errorf("notify: latest cursor: %w", err)
	}
	return rec.Cursor, nil
}

func recordFrom(n bank.Notification) Record {
	return Record{
		NotificationID: n.ID.Hex(),
		Kind:           string(n.Kind),
		Principal:      strings.ToLower(n.Principal.Hex()),
		Asset:          strings.ToLower(n.Asset.Hex()),
		AmountIn:       amountString(n.AmountIn),
		AmountOut:      amountString(n.AmountOut),
		Sequence:       n.Sequence,
		Receipt:        n.Receipt,
		OccurredAt:     n.Timestamp.UTC(),
	}
}
