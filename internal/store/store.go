// Package store persists sessions and their owned records with gorm. SQLite
// (pure Go, no cgo) is the default backend; Postgres is selected by driver
// name.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/hooklight/hooklight/internal/apperr"
	"github.com/hooklight/hooklight/internal/session"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB is a session.Store backed by a relational database.
type DB struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

var _ session.Store = (*DB)(nil)

// Open connects to the database and migrates the schema.
func Open(driver, dsn string, log *zap.SugaredLogger) (*DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == DriverSQLite || driver == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection also keeps an
		// in-memory database alive for the life of the process.
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
		if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
			log.Warnf("Could not enable WAL journal: %v", err)
		}
	}

	if err := db.AutoMigrate(&sessionRow{}, &invocationRow{}, &messageRow{}, &layerRow{}, &appliedRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	log.Infof("Store ready (driver=%s)", lo.Ternary(driver == "", DriverSQLite, driver))
	return &DB{db: db, log: log}, nil
}

func (d *DB) Update(ctx context.Context, fn func(tx session.Tx) error) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, log: d.log})
	})
}

func (d *DB) Get(ctx context.Context, id string) (*session.Session, error) {
	var row sessionRow
	err := d.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.SessionNotFound(id)
	}
	if err != nil {
		return nil, apperr.Persistence(id, err)
	}
	return sessionFromRow(&row, d.log), nil
}

func (d *DB) List(ctx context.Context, q session.ListQuery) ([]*session.Session, error) {
	query := d.db.WithContext(ctx).Model(&sessionRow{}).Order("started_at DESC, id ASC")
	if q.ActiveOnly {
		query = query.Where("live = ?", true)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	var rows []sessionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, apperr.Persistence("", err)
	}
	return lo.Map(rows, func(r sessionRow, _ int) *session.Session { return sessionFromRow(&r, d.log) }), nil
}

func (d *DB) exists(ctx context.Context, id string) error {
	var n int64
	if err := d.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return apperr.Persistence(id, err)
	}
	if n == 0 {
		return apperr.SessionNotFound(id)
	}
	return nil
}

func (d *DB) Invocations(ctx context.Context, sessionID string) ([]*session.ToolInvocation, error) {
	if err := d.exists(ctx, sessionID); err != nil {
		return nil, err
	}
	var rows []invocationRow
	err := d.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("issued_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Persistence(sessionID, err)
	}
	return lo.Map(rows, func(r invocationRow, _ int) *session.ToolInvocation { return r.toInvocation() }), nil
}

func (d *DB) Messages(ctx context.Context, sessionID string) ([]*session.Message, error) {
	if err := d.exists(ctx, sessionID); err != nil {
		return nil, err
	}
	var rows []messageRow
	err := d.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("captured_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Persistence(sessionID, err)
	}
	return lo.Map(rows, func(r messageRow, _ int) *session.Message { return r.toMessage() }), nil
}

func (d *DB) Layers(ctx context.Context, sessionID string) ([]*session.LayerSnapshot, error) {
	if sessionID != "" {
		if err := d.exists(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return queryLayers(d.db.WithContext(ctx), sessionID, d.log)
}

func (d *DB) Stats(ctx context.Context, now time.Time) (session.Stats, error) {
	db := d.db.WithContext(ctx)
	var total, active, recent, invocations, messages, projects int64

	counts := []struct {
		q   *gorm.DB
		dst *int64
	}{
		{db.Model(&sessionRow{}), &total},
		{db.Model(&sessionRow{}).Where("live = ?", true), &active},
		{db.Model(&sessionRow{}).Where("started_at > ?", now.Add(-24*time.Hour)), &recent},
		{db.Model(&invocationRow{}), &invocations},
		{db.Model(&messageRow{}), &messages},
		{db.Model(&sessionRow{}).Where("project_path <> ?", "").Distinct("project_path"), &projects},
	}
	for _, c := range counts {
		if err := c.q.Count(c.dst).Error; err != nil {
			return session.Stats{}, apperr.Persistence("", err)
		}
	}

	var spans []span
	err := db.Model(&sessionRow{}).
		Select("started_at, ended_at").
		Where("ended_at IS NOT NULL").
		Scan(&spans).Error
	if err != nil {
		return session.Stats{}, apperr.Persistence("", err)
	}

	st := session.Stats{
		TotalSessions:     int(total),
		ActiveSessions:    int(active),
		RecentSessions24h: int(recent),
		TotalInvocations:  int(invocations),
		TotalMessages:     int(messages),
		UniqueProjects:    int(projects),
	}
	if len(spans) > 0 {
		sum := lo.SumBy(spans, func(s span) float64 { return s.EndedAt.Sub(s.StartedAt).Seconds() })
		st.AvgDurationSeconds = sum / float64(len(spans))
	}
	return st, nil
}

type span struct {
	StartedAt time.Time
	EndedAt   time.Time
}

func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// sessionFromRow converts a stored row, logging JSON columns that no longer
// decode. The affected fields come back empty.
func sessionFromRow(r *sessionRow, log *zap.SugaredLogger) *session.Session {
	s, err := r.toSession()
	if err != nil {
		log.Warnf("Session %s: %v", r.ID, err)
	}
	return s
}

func queryLayers(db *gorm.DB, sessionID string, log *zap.SugaredLogger) ([]*session.LayerSnapshot, error) {
	query := db.Model(&layerRow{}).Order("captured_at ASC, id ASC")
	if sessionID == "" {
		query = query.Where("session_id IS NULL")
	} else {
		query = query.Where("session_id = ?", sessionID)
	}
	var rows []layerRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, apperr.Persistence(sessionID, err)
	}
	all := lo.Map(rows, func(r layerRow, _ int) *session.LayerSnapshot {
		l, err := r.toLayer()
		if err != nil {
			log.Warnf("Layer %s (%s): %v", r.ID, r.Layer, err)
		}
		return l
	})
	return session.LatestLayers(all, sessionID), nil
}

// gormTx adapts a gorm transaction handle to session.Tx.
type gormTx struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func (tx *gormTx) Session(id string) (*session.Session, bool, error) {
	var row sessionRow
	err := tx.db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sessionFromRow(&row, tx.log), true, nil
}

func (tx *gormTx) SaveSession(s *session.Session) error {
	row, err := toSessionRow(s)
	if err != nil {
		return err
	}
	return tx.db.Omit(clause.Associations).Save(row).Error
}

func (tx *gormTx) EventApplied(eventID string) (bool, error) {
	var n int64
	if err := tx.db.Model(&appliedRow{}).Where("event_id = ?", eventID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (tx *gormTx) RecordEvent(e session.AppliedEvent) error {
	return tx.db.Create(&appliedRow{
		EventID:   e.EventID,
		SessionID: e.SessionID,
		Kind:      e.Kind,
		AppliedAt: e.AppliedAt,
	}).Error
}

func (tx *gormTx) OpenInvocations(sessionID, toolName string) ([]*session.ToolInvocation, error) {
	query := tx.db.Where("session_id = ? AND completed_at IS NULL", sessionID)
	if toolName != "" {
		query = query.Where("tool_name = ?", toolName)
	}
	var rows []invocationRow
	if err := query.Order("issued_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return lo.Map(rows, func(r invocationRow, _ int) *session.ToolInvocation { return r.toInvocation() }), nil
}

func (tx *gormTx) FindInvocation(sessionID, toolUseID string) (*session.ToolInvocation, bool, error) {
	if toolUseID == "" {
		return nil, false, nil
	}
	var row invocationRow
	err := tx.db.Where("session_id = ? AND tool_use_id = ?", sessionID, toolUseID).
		Order("issued_at ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.toInvocation(), true, nil
}

func (tx *gormTx) SaveInvocation(inv *session.ToolInvocation) error {
	return tx.db.Save(toInvocationRow(inv)).Error
}

func (tx *gormTx) SaveMessage(m *session.Message) error {
	return tx.db.Create(&messageRow{
		ID:         m.ID,
		SessionID:  m.SessionID,
		Role:       string(m.Role),
		Text:       m.Text,
		Turn:       m.Turn,
		CapturedAt: m.CapturedAt,
	}).Error
}

func (tx *gormTx) SaveLayers(layers []*session.LayerSnapshot) error {
	if len(layers) == 0 {
		return nil
	}
	rows := make([]*layerRow, 0, len(layers))
	for _, l := range layers {
		row, err := toLayerRow(l)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return tx.db.Create(rows).Error
}

func (tx *gormTx) LatestLayers(sessionID string) ([]*session.LayerSnapshot, error) {
	return queryLayers(tx.db, sessionID, tx.log)
}
