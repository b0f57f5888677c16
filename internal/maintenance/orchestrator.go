package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/fabienpiette/folio_fox/internal/catalog"
)

// Task types, in execution order. TaskHealthSnapshot runs only in quick
// runs.
const (
	TaskIntegrityCheck = "integrity_check"
	TaskCleanup        = "cleanup"
	TaskAnalyze        = "analyze"
	TaskReindex        = "reindex"
	TaskVacuum         = "vacuum"
	TaskBackup         = "backup"
	TaskHealthSnapshot = "health_snapshot"
)

// taskOrder is the sequence tasks run in; taskDeps names each task's
// prerequisites. A task whose prerequisite did not complete is skipped,
// never run: compacting or backing up a database that just failed its
// integrity check would preserve the corruption.
var taskOrder = []string{
	TaskIntegrityCheck, TaskCleanup, TaskAnalyze, TaskReindex, TaskVacuum, TaskBackup,
}

var taskDeps = map[string][]string{
	TaskCleanup: {TaskIntegrityCheck},
	TaskAnalyze: {TaskCleanup},
	TaskReindex: {TaskAnalyze},
	TaskVacuum:  {TaskReindex},
	TaskBackup:  {TaskIntegrityCheck},
}

// Options configure the Orchestrator.
type Options struct {
	BackupDir            string
	BackupRetentionDays  int
	LogRetentionDays     int
	HistoryRetentionDays int
	VacuumMinSizeMB      int64
	VacuumMinFragPct     float64
	TaskTimeout          time.Duration
}

// DefaultOptions match the production defaults.
func DefaultOptions() Options {
	return Options{
		BackupDir:            "./backups",
		BackupRetentionDays:  7,
		LogRetentionDays:     30,
		HistoryRetentionDays: 90,
		VacuumMinSizeMB:      100,
		VacuumMinFragPct:     25,
		TaskTimeout:          30 * time.Minute,
	}
}

// TaskResult is the recorded outcome of one task in a run.
type TaskResult struct {
	Type    string
	Status  string
	Details string
	Err     error
	Elapsed time.Duration
}

// RunReport aggregates one maintenance run.
type RunReport struct {
	RunID       string
	StartedAt   time.Time
	Elapsed     time.Duration
	Results     []TaskResult
	SuccessRate float64 // completed / (completed + failed); skipped excluded
}

// Orchestrator runs maintenance tasks in dependency order.
type Orchestrator struct {
	store *catalog.Store
	opts  Options
}

// NewOrchestrator builds an Orchestrator over the catalog.
func NewOrchestrator(store *catalog.Store, opts Options) *Orchestrator {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultOptions().TaskTimeout
	}
	return &Orchestrator{store: store, opts: opts}
}

// Run executes all maintenance tasks sequentially in dependency order and
// returns the run report. Individual task failures do not abort the run;
// they fail that task and skip its dependents.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	var report = &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	var outcomes = make(map[string]string, len(taskOrder))

	log.WithFields(log.Fields{"run": report.RunID}).Info("maintenance run started")

	for _, taskType := range taskOrder {
		var result TaskResult
		if unmet := o.unmetDependency(taskType, outcomes); unmet != "" {
			result = TaskResult{
				Type:    taskType,
				Status:  "skipped",
				Details: fmt.Sprintf("dependency %s did not complete", unmet),
			}
			o.persistTask(ctx, report.RunID, &result)
		} else {
			result = o.runTask(ctx, report.RunID, taskType)
		}
		outcomes[taskType] = result.Status
		report.Results = append(report.Results, result)
	}

	finishReport(report)

	log.WithFields(log.Fields{
		"run":          report.RunID,
		"elapsed":      report.Elapsed.Round(time.Millisecond),
		"success_rate": fmt.Sprintf("%.0f%%", report.SuccessRate*100),
	}).Info("maintenance run finished")
	return report, nil
}

// QuickRun executes only the cheap, read-mostly subset: the integrity
// check and a health snapshot. It is safe to trigger at any hour.
func (o *Orchestrator) QuickRun(ctx context.Context) (*RunReport, error) {
	var report = &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}

	log.WithFields(log.Fields{"run": report.RunID}).Info("quick maintenance run started")

	for _, taskType := range []string{TaskIntegrityCheck, TaskHealthSnapshot} {
		report.Results = append(report.Results, o.runTask(ctx, report.RunID, taskType))
	}
	finishReport(report)

	log.WithFields(log.Fields{
		"run":          report.RunID,
		"elapsed":      report.Elapsed.Round(time.Millisecond),
		"success_rate": fmt.Sprintf("%.0f%%", report.SuccessRate*100),
	}).Info("quick maintenance run finished")
	return report, nil
}

func finishReport(report *RunReport) {
	var completed, failed int
	for _, r := range report.Results {
		switch r.Status {
		case "completed":
			completed++
		case "failed":
			failed++
		}
	}
	if completed+failed > 0 {
		report.SuccessRate = float64(completed) / float64(completed+failed)
	}
	report.Elapsed = time.Since(report.StartedAt)
}

func (o *Orchestrator) unmetDependency(taskType string, outcomes map[string]string) string {
	for _, dep := range taskDeps[taskType] {
		if outcomes[dep] != "completed" {
			return dep
		}
	}
	return ""
}

func (o *Orchestrator) runTask(ctx context.Context, runID, taskType string) TaskResult {
	var result = TaskResult{Type: taskType}
	var started = time.Now()

	taskCtx, cancel := context.WithTimeout(ctx, o.opts.TaskTimeout)
	defer cancel()

	var details string
	var err error
	switch taskType {
	case TaskIntegrityCheck:
		details, err = o.runIntegrityCheck(taskCtx)
	case TaskCleanup:
		details, err = o.runCleanup(taskCtx)
	case TaskAnalyze:
		details, err = o.runAnalyze(taskCtx)
	case TaskReindex:
		// Rebuilding indexes and compacting rewrite the file wholesale;
		// the advisory session keeps the download scheduler from starting
		// writes that would contend with them.
		o.store.BeginExclusive()
		details, err = o.runReindex(taskCtx)
		o.store.EndExclusive()
	case TaskVacuum:
		o.store.BeginExclusive()
		details, err = o.runVacuum(taskCtx)
		o.store.EndExclusive()
	case TaskBackup:
		details, err = o.runBackup(taskCtx)
	case TaskHealthSnapshot:
		details, err = o.runHealthSnapshot(taskCtx)
	default:
		err = fmt.Errorf("unknown maintenance task %q", taskType)
	}

	result.Elapsed = time.Since(started)
	result.Details = details
	result.Err = err
	if err != nil {
		result.Status = "failed"
		log.WithFields(log.Fields{
			"run": runID, "task": taskType, "error": err,
		}).Error("maintenance task failed")
	} else {
		result.Status = "completed"
		log.WithFields(log.Fields{
			"run": runID, "task": taskType,
			"elapsed": result.Elapsed.Round(time.Millisecond),
			"details": details,
		}).Info("maintenance task completed")
	}

	taskDuration.WithLabelValues(taskType, result.Status).Observe(result.Elapsed.Seconds())
	o.persistTask(ctx, runID, &result)
	return result
}

// persistTask records the task outcome; persistence failures are logged
// and swallowed so bookkeeping cannot fail maintenance itself.
func (o *Orchestrator) persistTask(ctx context.Context, runID string, r *TaskResult) {
	var errText sql.NullString
	if r.Err != nil {
		errText = sql.NullString{String: r.Err.Error(), Valid: true}
	}
	var _, err = o.store.ExecContext(ctx, `
		INSERT INTO maintenance_tasks
			(id, run_id, task_type, status, started_at, completed_at,
			 duration_seconds, details, error_message)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, ?, NULLIF(?, ''), ?)`,
		uuid.NewString(), runID, r.Type, r.Status,
		r.Elapsed.Seconds(), r.Details, errText)
	if err != nil {
		log.WithFields(log.Fields{
			"run": runID, "task": r.Type, "error": err,
		}).Warn("persisting maintenance task record failed")
	}
}

// Scheduler triggers a maintenance run once per day at a fixed hour.
type Scheduler struct {
	orchestrator *Orchestrator
	rotator      *LogRotator // may be nil
	hour         int
}

// NewScheduler builds a Scheduler firing daily at |hour| local time.
func NewScheduler(orchestrator *Orchestrator, rotator *LogRotator, hour int) *Scheduler {
	return &Scheduler{orchestrator: orchestrator, rotator: rotator, hour: hour}
}

// Run blocks until the context is cancelled, running maintenance at each
// daily deadline.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		var timer = time.NewTimer(time.Until(s.nextRun(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := s.orchestrator.Run(ctx); err != nil {
				log.WithFields(log.Fields{"error": err}).Error("maintenance run failed")
			}
			if s.rotator != nil {
				if err := s.rotator.Rotate(); err != nil {
					log.WithFields(log.Fields{"error": err}).Warn("log rotation failed")
				}
			}
		}
	}
}

func (s *Scheduler) nextRun(now time.Time) time.Time {
	var next = time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
