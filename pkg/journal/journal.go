// Package journal keeps a local SQLite record of bus traffic.
package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/message"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	Inbound  = "in"
	Outbound = "out"
)

// ErrDuplicate is returned when a message id was already recorded in the
// same direction.
var ErrDuplicate = errors.New("message already recorded")

// Entry is one journaled message.
type Entry struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	MessageID string    `gorm:"uniqueIndex:message_direction" json:"id"`
	Direction string    `gorm:"uniqueIndex:message_direction" json:"direction"`
	DeviceID  string    `gorm:"index" json:"device_id"`
	Type      string    `json:"message_type"`
	Content   string    `gorm:"type:text" json:"content"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Decision  string    `json:"decision,omitempty"`
	CreatedAt time.Time `json:"recorded_at"`
}

type Journal struct {
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
}

type Option func(*Journal)

// WithRetention prunes entries older than d on every insert. Zero keeps all.
func WithRetention(d time.Duration) Option {
	return func(j *Journal) { j.retention = d }
}

func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Open creates or opens the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Entry{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	j := &Journal{db: db, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// RecordInbound stores a received message. Redeliveries return ErrDuplicate.
func (j *Journal) RecordInbound(m message.Message) error {
	return j.record(m, Inbound)
}

func (j *Journal) RecordOutbound(m message.Message) error {
	return j.record(m, Outbound)
}

func (j *Journal) record(m message.Message, direction string) error {
	if j.retention > 0 {
		cutoff := j.now().Add(-j.retention)
		if err := j.db.Where("created_at < ?", cutoff).Delete(&Entry{}).Error; err != nil {
			return err
		}
	}

	entry := Entry{
		MessageID: m.ID,
		Direction: direction,
		DeviceID:  m.DeviceID,
		Type:      m.Type,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		CreatedAt: j.now(),
	}
	if err := j.db.Create(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// SetDecision annotates an inbound entry with the policy outcome.
func (j *Journal) SetDecision(messageID, decision string) error {
	return j.db.Model(&Entry{}).
		Where("message_id = ? AND direction = ?", messageID, Inbound).
		Update("decision", decision).Error
}

// Recent returns up to limit entries, oldest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	if err := j.db.Order("id desc").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	return entries, nil
}

func (j *Journal) Count() (int64, error) {
	var n int64
	err := j.db.Model(&Entry{}).Count(&n).Error
	return n, err
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
