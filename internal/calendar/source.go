package calendar

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lostfound-mu/relay/internal/db"
)

// PGSource reads active time windows from the time_windows table.
type PGSource struct {
	db     *db.DB
	logger *zap.Logger
}

// NewPGSource creates a window source backed by Postgres.
func NewPGSource(database *db.DB, logger *zap.Logger) *PGSource {
	return &PGSource{
		db:     database,
		logger: logger,
	}
}

// ReadWindows loads all active windows. Rows whose start is not strictly
// before their end (which would imply crossing midnight) are rejected with
// a warning; such periods must be stored as two rows.
func (s *PGSource) ReadWindows(ctx context.Context) ([]Window, error) {
	query := `
		SELECT id, day_of_week, start_time::text, end_time::text, kind
		FROM time_windows
		WHERE active = true
		ORDER BY day_of_week, start_time
	`

	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query time windows: %w", err)
	}
	defer rows.Close()

	var windows []Window
	for rows.Next() {
		var (
			w          Window
			start, end string
		)
		if err := rows.Scan(&w.ID, &w.DayOfWeek, &start, &end, &w.Kind); err != nil {
			return nil, fmt.Errorf("scan time window: %w", err)
		}

		w.Start, err = ParseClock(start)
		if err != nil {
			s.logger.Warn("rejecting time window", zap.Int64("id", w.ID), zap.Error(err))
			continue
		}
		w.End, err = ParseClock(end)
		if err != nil {
			s.logger.Warn("rejecting time window", zap.Int64("id", w.ID), zap.Error(err))
			continue
		}
		if w.Start >= w.End {
			s.logger.Warn("rejecting time window crossing midnight",
				zap.Int64("id", w.ID),
				zap.String("start", start),
				zap.String("end", end),
			)
			continue
		}
		if w.DayOfWeek < 0 || w.DayOfWeek > 6 {
			s.logger.Warn("rejecting time window with invalid day",
				zap.Int64("id", w.ID),
				zap.Int("day_of_week", w.DayOfWeek),
			)
			continue
		}

		w.Active = true
		windows = append(windows, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate time windows: %w", err)
	}

	return windows, nil
}
