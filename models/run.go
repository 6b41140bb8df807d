package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RunStatusPending    = "pending"
	RunStatusProcessing = "processing"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
)

const (
	RunTypeScheduled = "scheduled"
	RunTypeManual    = "manual"
	RunTypeBulk      = "bulk"
)

// RunDedupWindow suppresses a second trigger for the same client within
// this interval.
const RunDedupWindow = 5 * time.Minute

// ReconciliationRun is one review of one client's books, executed by the
// external workflow engine and resolved by its callback.
type ReconciliationRun struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	RunId            string     `gorm:"uniqueIndex;size:36;not null" json:"run_id"`
	FirmId           string     `gorm:"index;not null" json:"firm_id"`
	ClientId         uint       `gorm:"index;not null" json:"client_id"`
	RealmId          string     `gorm:"size:64" json:"realm_id"`
	RunType          string     `gorm:"size:20;not null" json:"run_type"`
	Status           string     `gorm:"size:20;not null;default:pending" json:"status"`
	ActiveKey        *string    `gorm:"uniqueIndex;size:64" json:"-"`
	SheetUrl         string     `gorm:"size:1024" json:"sheet_url"`
	ActionItemsCount *int       `json:"action_items_count"`
	StatusColor      string     `gorm:"size:10" json:"status_color"`
	ErrorMessage     string     `gorm:"type:text" json:"error_message"`
	RetryCount       int        `json:"retry_count"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

var runTransitions = map[string][]string{
	RunStatusPending:    {RunStatusProcessing, RunStatusFailed},
	RunStatusProcessing: {RunStatusCompleted, RunStatusFailed},
	RunStatusCompleted:  {},
	RunStatusFailed:     {},
}

// CanTransitionRunStatus is the rule for internal mutations. The engine
// callback bypasses it on purpose: a late result beats a synthetic failure,
// see ResolveRunFromCallback.
func CanTransitionRunStatus(from string, to string) bool {
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func IsTerminalRunStatus(status string) bool {
	return status == RunStatusCompleted || status == RunStatusFailed
}

func activeKeyForClient(clientId uint) *string {
	k := fmt.Sprint(clientId)
	return &k
}

// runHoldsSlot reports whether an existing run still protects the client's
// slot: active and younger than the dedup window. An active run older than
// the window is stale (its callback never arrived) and no longer blocks.
// Terminal runs never block, however recent.
func runHoldsSlot(run *ReconciliationRun, now time.Time) bool {
	if IsTerminalRunStatus(run.Status) {
		return false
	}
	return run.CreatedAt.After(now.Add(-RunDedupWindow))
}

// RecentRunExists reports whether the client has a run still holding its slot.
func RecentRunExists(ctx context.Context, clientId uint) (bool, error) {
	db := config.GetDB()
	var active []*ReconciliationRun

	err := db.WithContext(ctx).Model(&ReconciliationRun{}).
		Where("client_id = ?", clientId).
		Where("status IN ?", []string{RunStatusPending, RunStatusProcessing}).
		Find(&active).Error
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, run := range active {
		if runHoldsSlot(run, now) {
			return true, nil
		}
	}
	return false, nil
}

const staleRunMessage = "timed out waiting for engine callback"

// failStaleRuns fails active runs older than the dedup window and frees
// their active_key so the client can be triggered again. A late callback
// still lands: ResolveRunFromCallback overwrites the synthetic failure.
func failStaleRuns(ctx context.Context, clientId *uint) (int64, error) {
	db := config.GetDB()
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	dbCtx := db.WithContext(ctx).Model(&ReconciliationRun{}).
		Where("status IN ?", []string{RunStatusPending, RunStatusProcessing}).
		Where("created_at <= ?", time.Now().Add(-RunDedupWindow))
	if clientId != nil {
		dbCtx = dbCtx.Where("client_id = ?", *clientId)
	}
	res := dbCtx.Updates(map[string]interface{}{
		"status":        RunStatusFailed,
		"active_key":    gorm.Expr("NULL"),
		"error_message": staleRunMessage,
		"completed_at":  time.Now(),
	})
	return res.RowsAffected, res.Error
}

// SweepStaleRuns fails every run across firms that is still active past the
// dedup window. Ops tooling.
func SweepStaleRuns(ctx context.Context) (int64, error) {
	return failStaleRuns(ctx, nil)
}

// CreateRun inserts a pending run holding the client's active slot. The
// unique active_key column is the authoritative dedup: losing the insert
// race surfaces as ErrorAlreadyInProgress, never as a second run.
func CreateRun(ctx context.Context, client *Client, runType string) (*ReconciliationRun, error) {
	db := config.GetDB()

	// A stale active run must not hold the slot, or its active_key would
	// block the insert below forever.
	if _, err := failStaleRuns(ctx, &client.ID); err != nil {
		return nil, err
	}

	exists, err := RecentRunExists(ctx, client.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, utils.ErrorAlreadyInProgress
	}

	run := ReconciliationRun{
		RunId:     uuid.New().String(),
		FirmId:    client.FirmId,
		ClientId:  client.ID,
		RealmId:   client.RealmId,
		RunType:   runType,
		Status:    RunStatusPending,
		ActiveKey: activeKeyForClient(client.ID),
	}
	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		if IsDuplicateKeyError(err) {
			return nil, utils.ErrorAlreadyInProgress
		}
		return nil, err
	}
	return &run, nil
}

// MarkRunProcessing stamps the dispatch moment.
func MarkRunProcessing(ctx context.Context, run *ReconciliationRun) error {
	if !CanTransitionRunStatus(run.Status, RunStatusProcessing) {
		return fmt.Errorf("cannot move run %s from %s to %s", run.RunId, run.Status, RunStatusProcessing)
	}
	db := config.GetDB()
	now := time.Now()
	if err := db.WithContext(ctx).Model(&ReconciliationRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":     RunStatusProcessing,
			"started_at": now,
		}).Error; err != nil {
		return err
	}
	run.Status = RunStatusProcessing
	run.StartedAt = &now
	return nil
}

// FailRun terminates the run and frees the client's active slot.
func FailRun(ctx context.Context, run *ReconciliationRun, message string, retryCount int) error {
	if !CanTransitionRunStatus(run.Status, RunStatusFailed) {
		return fmt.Errorf("cannot move run %s from %s to %s", run.RunId, run.Status, RunStatusFailed)
	}
	db := config.GetDB()
	now := time.Now()
	if err := db.WithContext(ctx).Model(&ReconciliationRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":        RunStatusFailed,
			"active_key":    gorm.Expr("NULL"),
			"error_message": message,
			"retry_count":   retryCount,
			"completed_at":  now,
		}).Error; err != nil {
		return err
	}
	run.Status = RunStatusFailed
	run.ActiveKey = nil
	run.ErrorMessage = message
	run.RetryCount = retryCount
	run.CompletedAt = &now
	return nil
}

// FindRunByRunId looks a run up by its public uuid. Unscoped: the engine
// callback authenticates by token, not by session.
func FindRunByRunId(ctx context.Context, runId string) (*ReconciliationRun, error) {
	db := config.GetDB()
	var result ReconciliationRun

	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	err := db.WithContext(ctx).Model(&ReconciliationRun{}).
		Where("run_id = ?", runId).
		Take(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

// applyCallbackVerdict writes the engine's verdict onto the run in memory.
// It deliberately ignores the run's current status: last write wins, even
// over a terminal one, because a late genuine result is worth more than the
// synthetic failure the sweeper may have written at timeout.
func applyCallbackVerdict(run *ReconciliationRun, success bool, sheetUrl string, count *int, errMsg string, now time.Time) {
	status := RunStatusCompleted
	if !success {
		status = RunStatusFailed
	}
	run.Status = status
	run.ActiveKey = nil
	run.ActionItemsCount = count
	run.StatusColor = StatusColorForCount(count)
	run.ErrorMessage = errMsg
	run.CompletedAt = &now
	if sheetUrl != "" {
		run.SheetUrl = sheetUrl
	}
}

// ResolveRunFromCallback applies the engine's verdict and persists it.
func ResolveRunFromCallback(ctx context.Context, run *ReconciliationRun, success bool, sheetUrl string, count *int, errMsg string) error {
	db := config.GetDB()
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	now := time.Now()
	applyCallbackVerdict(run, success, sheetUrl, count, errMsg, now)

	updates := map[string]interface{}{
		"status":             run.Status,
		"active_key":         gorm.Expr("NULL"),
		"action_items_count": run.ActionItemsCount,
		"status_color":       run.StatusColor,
		"error_message":      run.ErrorMessage,
		"completed_at":       now,
	}
	if sheetUrl != "" {
		updates["sheet_url"] = run.SheetUrl
	}
	if err := db.WithContext(ctx).Model(&ReconciliationRun{}).
		Where("id = ?", run.ID).
		Updates(updates).Error; err != nil {
		return err
	}

	if success {
		return ApplyReviewResult(ctx, run.ClientId, sheetUrl, count, now)
	}
	return nil
}

func GetRuns(ctx context.Context, clientId *uint, status *string, limit int) ([]*ReconciliationRun, error) {
	db := config.GetDB()
	var results []*ReconciliationRun

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	dbCtx := db.WithContext(ctx).Model(&ReconciliationRun{})
	if clientId != nil && *clientId > 0 {
		dbCtx = dbCtx.Where("client_id = ?", *clientId)
	}
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	err := dbCtx.Order("created_at DESC").Limit(limit).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func GetRun(ctx context.Context, id uint) (*ReconciliationRun, error) {
	db := config.GetDB()
	var result ReconciliationRun

	err := db.WithContext(ctx).First(&result, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}
