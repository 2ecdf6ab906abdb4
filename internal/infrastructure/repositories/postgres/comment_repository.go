package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// CommentRecord is a stored comment.
type CommentRecord struct {
	ID        string `gorm:"primaryKey;type:text"`
	RoomID    string `gorm:"type:text;not null;index:idx_comments_room_ts,priority:1"`
	Text      string `gorm:"type:text;not null"`
	Timestamp int64  `gorm:"not null;index:idx_comments_room_ts,priority:2"`
	Author    string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (CommentRecord) TableName() string { return "comments" }

// RoomStartRecord holds the creator's stream start for a room.
type RoomStartRecord struct {
	RoomID    string    `gorm:"primaryKey;type:text"`
	StartedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

func (RoomStartRecord) TableName() string { return "room_starts" }

type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to PostgreSQL and migrates the comment tables.
func Open(opts Options, logger *zap.SugaredLogger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect PostgreSQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&CommentRecord{}, &RoomStartRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infow("Connected to PostgreSQL", "max_open_conns", opts.MaxOpenConns)
	return db, nil
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type PostgresCommentRepository struct {
	db *gorm.DB
}

func NewPostgresCommentRepository(db *gorm.DB) ports.CommentRepository {
	return &PostgresCommentRepository{db: db}
}

func (r *PostgresCommentRepository) Append(ctx context.Context, comment *domain.Comment) error {
	rec := CommentRecord{
		ID:        comment.ID,
		RoomID:    string(comment.RoomID),
		Text:      comment.Text,
		Timestamp: comment.Timestamp,
		Author:    comment.Author,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	return nil
}

func (r *PostgresCommentRepository) ListByRoom(ctx context.Context, roomID domain.RoomID) ([]domain.Comment, error) {
	var records []CommentRecord
	err := r.db.WithContext(ctx).
		Where("room_id = ?", string(roomID)).
		Order("timestamp ASC").
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}

	comments := make([]domain.Comment, 0, len(records))
	for _, rec := range records {
		comments = append(comments, domain.Comment{
			ID:        rec.ID,
			RoomID:    domain.RoomID(rec.RoomID),
			Text:      rec.Text,
			Timestamp: rec.Timestamp,
			Author:    rec.Author,
		})
	}
	return comments, nil
}

func (r *PostgresCommentRepository) SetStartedAt(ctx context.Context, roomID domain.RoomID, at time.Time) error {
	rec := RoomStartRecord{RoomID: string(roomID), StartedAt: at}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"started_at", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert room start: %w", err)
	}
	return nil
}

func (r *PostgresCommentRepository) StartedAt(ctx context.Context, roomID domain.RoomID) (time.Time, error) {
	var rec RoomStartRecord
	err := r.db.WithContext(ctx).First(&rec, "room_id = ?", string(roomID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, domain.ErrStreamNotStarted
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get room start: %w", err)
	}
	return rec.StartedAt, nil
}
