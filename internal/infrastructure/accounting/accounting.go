package accounting

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/llmrelay/relay/internal/domain/entity"
)

// UsageRecord is one completed upstream call.
type UsageRecord struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	SessionID        string `gorm:"index;size:64;not null"`
	Backend          string `gorm:"index;size:64;not null"`
	Model            string `gorm:"size:128;not null"`
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        int64
	CreatedAt        time.Time
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

// Store persists per-call usage. A nil *Store is a valid no-op store so
// callers never branch on the DISABLE_ACCOUNTING switch themselves.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Config selects the database backing the usage store.
type Config struct {
	Type string // "sqlite" or "postgres"
	DSN  string
}

// Disabled reports whether accounting is switched off for this process.
func Disabled() bool {
	return os.Getenv("DISABLE_ACCOUNTING") != ""
}

// NewStore opens the database and migrates the usage table. Returns
// (nil, nil) when accounting is disabled.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if Disabled() {
		logger.Info("Accounting disabled")
		return nil, nil
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "relay_usage.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "accounting"))}, nil
}

// Record writes one usage row. Accounting failures are logged, never
// propagated: billing data must not break the serving path.
func (s *Store) Record(ctx context.Context, sessionID, backend, model string, usage *entity.Usage, latency time.Duration) {
	if s == nil {
		return
	}
	rec := UsageRecord{
		SessionID: sessionID,
		Backend:   backend,
		Model:     model,
		LatencyMs: latency.Milliseconds(),
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		s.logger.Warn("Failed to record usage",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// SessionUsage sums the token totals recorded for one session.
func (s *Store) SessionUsage(ctx context.Context, sessionID string) (entity.Usage, error) {
	var out entity.Usage
	if s == nil {
		return out, nil
	}
	row := s.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(SUM(prompt_tokens),0) AS prompt_tokens, COALESCE(SUM(completion_tokens),0) AS completion_tokens, COALESCE(SUM(total_tokens),0) AS total_tokens")
	if err := row.Scan(&out).Error; err != nil {
		return entity.Usage{}, err
	}
	return out, nil
}
