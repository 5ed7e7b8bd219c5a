// Package aggregator gathers a student's recent academic records in parallel
// and derives the feature context warning rules are evaluated against.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/warning-engine/internal/domain/analytics"
	"github.com/alem-hub/warning-engine/internal/domain/shared"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/pkg/logger"
	"github.com/alem-hub/warning-engine/pkg/timeutil"
)

// Feature names exposed to rule expressions.
const (
	FeatureAvgScore               = "avgScore"
	FeatureScoreStdDev            = "scoreStdDev"
	FeatureScoreTrend             = "scoreTrend"
	FeatureLowScoreCount          = "lowScoreCount"
	FeaturePassRate               = "passRate"
	FeatureScoreCount             = "scoreCount"
	FeatureLatestScore            = "latestScore"
	FeatureAttendanceRate         = "attendanceRate"
	FeatureAbsentCount            = "absentCount"
	FeatureLateCount              = "lateCount"
	FeatureBehaviorNegative       = "behaviorNegativeCount"
	FeatureBehaviorPositive       = "behaviorPositiveCount"
	FeatureBehaviorPoints         = "behaviorPoints"
	FeatureHomeworkCompletionRate = "homeworkCompletionRate"
	FeatureHomeworkMissing        = "homeworkMissingCount"
	FeatureHomeworkLate           = "homeworkLateCount"
	FeatureStudentID              = "studentId"
	FeatureStudentName            = "studentName"
	FeatureClassID                = "classId"
	FeatureClassName              = "className"
	FeatureGrade                  = "grade"
)

// Names of the non-critical sub-fetches, reported in Collection.Degraded.
const (
	sourceScores     = "scores"
	sourceAttendance = "attendance"
	sourceBehavior   = "behavior"
	sourceHomework   = "homework"
)

// Config tunes the aggregator.
type Config struct {
	// RecentScoreLimit is how many of the newest scores feed the features.
	RecentScoreLimit int

	// SummaryWindow is the look-back for attendance, behavior and homework.
	SummaryWindow time.Duration

	// Timeout bounds one collection across all sub-fetches.
	Timeout time.Duration
}

// DefaultConfig returns the default aggregator settings.
func DefaultConfig() Config {
	return Config{
		RecentScoreLimit: 10,
		SummaryWindow:    30 * 24 * time.Hour,
		Timeout:          5 * time.Second,
	}
}

// Collection is the aggregated view of one student.
type Collection struct {
	StudentID   string              `json:"studentId"`
	Info        warning.StudentInfo `json:"info"`
	Features    map[string]any      `json:"features"`
	SampleCount int                 `json:"sampleCount"`
	Duration    time.Duration       `json:"duration"`
	Degraded    []string            `json:"degraded,omitempty"`
	CollectedAt time.Time           `json:"collectedAt"`
}

// Aggregator collects feature contexts.
type Aggregator struct {
	store  warning.EntityStore
	cache  *cache.Manager
	cfg    Config
	clock  timeutil.Clock
	logger *slog.Logger
}

// New creates an Aggregator. cm may be nil to disable caching.
func New(store warning.EntityStore, cm *cache.Manager, cfg Config, clock timeutil.Clock, log *slog.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.RecentScoreLimit <= 0 {
		cfg.RecentScoreLimit = def.RecentScoreLimit
	}
	if cfg.SummaryWindow <= 0 {
		cfg.SummaryWindow = def.SummaryWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Aggregator{
		store:  store,
		cache:  cm,
		cfg:    cfg,
		clock:  clock,
		logger: log.With(logger.Component("aggregator")),
	}
}

// Collect returns the feature context of a student, served from the
// student_features cache tier when fresh. Only a basic-info failure is
// fatal; other sub-fetch failures degrade to defaults.
func (a *Aggregator) Collect(ctx context.Context, studentID string, eventType warning.EventType) (*Collection, error) {
	if a.cache == nil {
		return a.collect(ctx, studentID, eventType)
	}
	return cache.WithCache(ctx, a.cache, cache.TypeStudentFeatures, studentID,
		func(ctx context.Context) (*Collection, error) {
			return a.collect(ctx, studentID, eventType)
		})
}

// Invalidate drops cached features of the given students.
func (a *Aggregator) Invalidate(ctx context.Context, studentIDs ...string) {
	if a.cache == nil {
		return
	}
	a.cache.InvalidateKeys(ctx, cache.TypeStudentFeatures, studentIDs...)
}

func (a *Aggregator) collect(ctx context.Context, studentID string, eventType warning.EventType) (*Collection, error) {
	start := a.clock.Now()
	since := start.Add(-a.cfg.SummaryWindow)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var (
		info       *warning.StudentInfo
		scores     []warning.ScoreRecord
		attendance warning.AttendanceSummary
		behavior   warning.BehaviorSummary
		homework   warning.HomeworkSummary

		mu       sync.Mutex
		degraded []string
	)

	degrade := func(source string, err error) {
		mu.Lock()
		degraded = append(degraded, source)
		mu.Unlock()
		a.logger.Warn("sub-fetch degraded to defaults",
			logger.StudentID(studentID),
			slog.String("source", source),
			logger.Err(err),
		)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		info, err = a.store.StudentInfo(gctx, studentID)
		if err != nil {
			return fmt.Errorf("basic info: %w", err)
		}
		if info == nil {
			return shared.ErrStudentNotFound
		}
		return nil
	})

	g.Go(func() error {
		s, err := a.store.RecentScores(gctx, studentID, a.cfg.RecentScoreLimit)
		if err != nil {
			degrade(sourceScores, err)
			return nil
		}
		scores = s
		return nil
	})

	g.Go(func() error {
		s, err := a.store.AttendanceSummary(gctx, studentID, since)
		if err != nil {
			degrade(sourceAttendance, err)
			return nil
		}
		attendance = s
		return nil
	})

	g.Go(func() error {
		s, err := a.store.BehaviorSummary(gctx, studentID, since)
		if err != nil {
			degrade(sourceBehavior, err)
			return nil
		}
		behavior = s
		return nil
	})

	g.Go(func() error {
		s, err := a.store.HomeworkSummary(gctx, studentID, since)
		if err != nil {
			degrade(sourceHomework, err)
			return nil
		}
		homework = s
		return nil
	})

	if err := g.Wait(); err != nil {
		kind := shared.ErrExternalService
		if errors.Is(err, context.DeadlineExceeded) {
			kind = shared.ErrTimeout
		}
		if shared.IsNotFound(err) {
			kind = shared.ErrNotFound
		}
		return nil, shared.WrapError("aggregator", "Collect", kind,
			fmt.Sprintf("student %s", studentID), err)
	}

	values := make([]float64, len(scores))
	for i, s := range scores {
		values[i] = s.Score
	}
	sf := analytics.ComputeScoreFeatures(values)

	features := map[string]any{
		FeatureStudentID:              info.ID,
		FeatureStudentName:            info.Name,
		FeatureClassID:                info.ClassID,
		FeatureClassName:              info.ClassName,
		FeatureGrade:                  info.Grade,
		FeatureAvgScore:               sf.Average,
		FeatureScoreStdDev:            sf.StdDev,
		FeatureScoreTrend:             string(sf.Trend),
		FeatureLowScoreCount:          sf.LowScoreCount,
		FeaturePassRate:               sf.PassRate,
		FeatureScoreCount:             sf.Count,
		FeatureLatestScore:            sf.Latest,
		FeatureAttendanceRate:         attendance.Rate(),
		FeatureAbsentCount:            attendance.Absent,
		FeatureLateCount:              attendance.Late,
		FeatureBehaviorNegative:       behavior.Negative,
		FeatureBehaviorPositive:       behavior.Positive,
		FeatureBehaviorPoints:         behavior.Points,
		FeatureHomeworkCompletionRate: homework.CompletionRate(),
		FeatureHomeworkMissing:        homework.Missing,
		FeatureHomeworkLate:           homework.Late,
	}

	end := a.clock.Now()
	col := &Collection{
		StudentID:   studentID,
		Info:        *info,
		Features:    features,
		SampleCount: sf.Count,
		Duration:    end.Sub(start),
		Degraded:    degraded,
		CollectedAt: end,
	}

	a.logger.Debug("features collected",
		logger.StudentID(studentID),
		logger.EventType(string(eventType)),
		logger.Count("samples", sf.Count),
		logger.Latency(col.Duration),
	)
	return col, nil
}
