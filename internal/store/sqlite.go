package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// kvRow is one entry in the gateway_kv table. Counters live in Counter and
// byte values in Value. ExpiresAt is unix milliseconds; 0 never expires.
type kvRow struct {
	Key       string `gorm:"column:kv_key;primaryKey"`
	Value     []byte `gorm:"column:kv_value"`
	Counter   int64  `gorm:"column:counter;not null;default:0"`
	ExpiresAt int64  `gorm:"column:expires_at;not null;default:0;index"`
}

func (kvRow) TableName() string { return "gateway_kv" }

// incrWindowSQL bumps the counter in a single statement. An expired row is
// reset and given a fresh expiry; a live row keeps its expiry.
const incrWindowSQL = `
INSERT INTO gateway_kv (kv_key, counter, expires_at) VALUES (?, 1, ?)
ON CONFLICT(kv_key) DO UPDATE SET
  counter = CASE
    WHEN gateway_kv.expires_at > 0 AND gateway_kv.expires_at <= ? THEN 1
    ELSE gateway_kv.counter + 1 END,
  kv_value = NULL,
  expires_at = CASE
    WHEN gateway_kv.expires_at = 0 OR gateway_kv.expires_at <= ? THEN excluded.expires_at
    ELSE gateway_kv.expires_at END
RETURNING counter, expires_at`

// SQLiteStore implements Store on a SQLite file through GORM.
type SQLiteStore struct {
	db   *gorm.DB
	now  func() time.Time
	stop chan struct{}
}

// OpenSQLite opens (or creates) the database at path, applies PRAGMAs,
// migrates the key/value table and starts a sweeper for expired rows.
func OpenSQLite(path string, tracingEnabled bool) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	dsn := path
	if path != ":memory:" {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if tracingEnabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, err
		}
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if sqlDB, err := db.DB(); err == nil {
		if path == ":memory:" {
			// every pooled connection would otherwise see its own database
			sqlDB.SetMaxOpenConns(1)
		} else {
			sqlDB.SetMaxOpenConns(10)
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.AutoMigrate(&kvRow{}); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db, now: time.Now, stop: make(chan struct{})}
	go s.sweep(time.Minute)
	return s, nil
}

func (s *SQLiteStore) nowMs() int64 { return s.now().UnixMilli() }

func (s *SQLiteStore) live(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Where("expires_at = 0 OR expires_at > ?", s.nowMs())
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var row kvRow
	err := s.live(ctx).Where("kv_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	if row.Value == nil {
		return []byte(strconv.FormatInt(row.Counter, 10)), nil
	}
	return row.Value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp int64
	if ttl > 0 {
		exp = s.now().Add(ttl).UnixMilli()
	}
	if value == nil {
		value = []byte{}
	}
	row := kvRow{Key: key, Value: value, ExpiresAt: exp}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"kv_value", "counter", "expires_at"}),
	}).Create(&row).Error
	if err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	if err := s.live(ctx).Model(&kvRow{}).Where("kv_key = ?", key).Count(&n).Error; err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Del(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("kv_key = ?", key).Delete(&kvRow{}).Error; err != nil {
		return unavailable("del", err)
	}
	return nil
}

func (s *SQLiteStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window < time.Millisecond {
		window = time.Millisecond
	}
	now := s.nowMs()
	exp := now + window.Milliseconds()

	var out struct {
		Counter   int64
		ExpiresAt int64
	}
	if err := s.db.WithContext(ctx).Raw(incrWindowSQL, key, exp, now, now).Scan(&out).Error; err != nil {
		return 0, 0, unavailable("incr", err)
	}
	ttl := time.Duration(out.ExpiresAt-now) * time.Millisecond
	if ttl < 0 {
		ttl = 0
	}
	return out.Counter, ttl, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// purgeExpired deletes rows whose expiry has passed.
func (s *SQLiteStore) purgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at > 0 AND expires_at <= ?", s.nowMs()).
		Delete(&kvRow{})
	return res.RowsAffected, res.Error
}

func (s *SQLiteStore) sweep(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = s.purgeExpired(ctx)
			cancel()
		}
	}
}
