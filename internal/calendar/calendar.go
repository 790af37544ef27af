// Package calendar answers time-window questions against the weekly
// time_windows table: whether an instant falls inside a SEND window, and
// when the next SEND window opens. Anything not covered by an active SEND
// window is treated as quiet.
package calendar

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WindowKind distinguishes permissive SEND windows from explicit QUIET rows.
type WindowKind string

const (
	KindSend  WindowKind = "SEND"
	KindQuiet WindowKind = "QUIET"
)

// Window is one weekly wall-clock interval. Start and End are minutes since
// local midnight, half-open [Start, End). Windows never cross midnight; a
// cross-midnight period is stored as two rows.
type Window struct {
	ID        int64
	DayOfWeek int // 0=Sunday .. 6=Saturday
	Start     int
	End       int
	Kind      WindowKind
	Active    bool
}

// Source supplies the active window set. Implementations return only rows
// that passed validation.
type Source interface {
	ReadWindows(ctx context.Context) ([]Window, error)
}

// Oracle resolves window predicates in a fixed local timezone. Reads from
// the source are cached for a few seconds; the table changes rarely and the
// dispatcher consults it on every message.
type Oracle struct {
	source   Source
	loc      *time.Location
	logger   *zap.Logger
	ttl      time.Duration
	staleFor time.Duration

	mu       sync.Mutex
	cached   []Window
	cachedAt time.Time
}

// New creates a window oracle interpreting wall times in loc.
func New(source Source, loc *time.Location, logger *zap.Logger) *Oracle {
	return &Oracle{
		source:   source,
		loc:      loc,
		logger:   logger,
		ttl:      5 * time.Second,
		staleFor: 30 * time.Second,
	}
}

// IsSendWindow reports whether t falls inside an active SEND window. A
// missing or unreadable window table fails open: a misconfigured calendar
// must not silently halt delivery.
func (o *Oracle) IsSendWindow(ctx context.Context, t time.Time) bool {
	windows, err := o.windows(ctx)
	if err != nil {
		o.logger.Warn("time windows unreadable, failing open to SEND", zap.Error(err))
		return true
	}
	if len(windows) == 0 {
		return true
	}

	local := t.In(o.loc)
	day := int(local.Weekday())
	minute := local.Hour()*60 + local.Minute()

	for _, w := range windows {
		if w.Kind != KindSend || w.DayOfWeek != day {
			continue
		}
		if w.Start <= minute && minute < w.End {
			return true
		}
	}

	return false
}

// NextSendInstant returns the earliest instant >= t inside a SEND window.
// The second return is false when no active SEND window exists anywhere in
// the week; callers must treat that as "send immediately".
func (o *Oracle) NextSendInstant(ctx context.Context, t time.Time) (time.Time, bool) {
	windows, err := o.windows(ctx)
	if err != nil {
		o.logger.Warn("time windows unreadable, failing open to SEND", zap.Error(err))
		return time.Time{}, false
	}

	local := t.In(o.loc)
	day := int(local.Weekday())
	minute := local.Hour()*60 + local.Minute()

	for _, w := range windows {
		if w.Kind == KindSend && w.DayOfWeek == day && w.Start <= minute && minute < w.End {
			return t, true
		}
	}

	return o.nextOpenAfter(windows, local)
}

// NextWindowOpen returns the earliest SEND window opening strictly after t.
// Unlike NextSendInstant it never returns t itself: when t sits inside a
// window, the containing window is skipped and the following opening is
// returned. The second return is false when no active SEND window exists
// anywhere in the week.
func (o *Oracle) NextWindowOpen(ctx context.Context, t time.Time) (time.Time, bool) {
	windows, err := o.windows(ctx)
	if err != nil {
		o.logger.Warn("time windows unreadable, failing open to SEND", zap.Error(err))
		return time.Time{}, false
	}

	return o.nextOpenAfter(windows, t.In(o.loc))
}

func (o *Oracle) nextOpenAfter(windows []Window, local time.Time) (time.Time, bool) {
	day := int(local.Weekday())
	minute := local.Hour()*60 + local.Minute()

	for offset := 0; offset <= 7; offset++ {
		targetDay := (day + offset) % 7
		best := -1
		for _, w := range windows {
			if w.Kind != KindSend || w.DayOfWeek != targetDay {
				continue
			}
			if offset == 0 && w.Start <= minute {
				continue
			}
			if best == -1 || w.Start < best {
				best = w.Start
			}
		}
		if best == -1 {
			continue
		}
		// time.Date resolves the wall time through the zone's rules: a
		// spring-forward gap rolls to the next valid instant, a fall-back
		// repeat takes the earlier offset.
		instant := time.Date(
			local.Year(), local.Month(), local.Day()+offset,
			best/60, best%60, 0, 0, o.loc,
		)
		return instant, true
	}

	return time.Time{}, false
}

func (o *Oracle) windows(ctx context.Context) ([]Window, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.cachedAt.IsZero() && time.Since(o.cachedAt) < o.ttl {
		return o.cached, nil
	}

	windows, err := o.source.ReadWindows(ctx)
	if err != nil {
		// A recently refreshed cache rides out brief store hiccups. Past
		// the staleness bound the error surfaces and callers fail open
		// rather than keep deciding on hours-old windows.
		if !o.cachedAt.IsZero() && time.Since(o.cachedAt) < o.staleFor {
			return o.cached, nil
		}
		return nil, err
	}

	o.cached = windows
	o.cachedAt = time.Now()
	return windows, nil
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed clock time %q", s)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("malformed clock hour in %q", s)
	}
	min, err := strconv.Atoi(parts[1])
	if err != nil || min < 0 || min > 59 {
		return 0, fmt.Errorf("malformed clock minute in %q", s)
	}

	return hour*60 + min, nil
}
