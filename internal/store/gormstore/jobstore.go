package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/genforge/genforge/pkg/job"
)

// JobStore implements job.Store and the delivery lock using GORM.
type JobStore struct {
	db *gorm.DB
}

// WithTx executes fn within a transaction.
func (store *JobStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore job.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &JobStore{db: transaction})
	})
}

// UserExists reports whether the user row exists.
func (store *JobStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return count > 0, nil
}

// InsertJob persists a new job. An idempotency key collision maps to
// job.ErrDuplicateIdempotencyKey.
func (store *JobStore) InsertJob(ctx context.Context, record job.Job) error {
	model, err := jobModel(record)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	insertErr := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(insertErr, constraintJobIdempotency) {
		return wrapStoreError(errorSubjectJob, errorCodeDuplicate, job.ErrDuplicateIdempotencyKey)
	}
	if insertErr != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInsert, insertErr)
	}
	return nil
}

// GetJob returns a job by id.
func (store *JobStore) GetJob(ctx context.Context, id job.ID) (job.Job, bool, error) {
	return store.takeJob(ctx, false, "job_id = ?", id.String())
}

// GetJobForUpdate returns a job by id under FOR UPDATE.
func (store *JobStore) GetJobForUpdate(ctx context.Context, id job.ID) (job.Job, bool, error) {
	return store.takeJob(ctx, true, "job_id = ?", id.String())
}

// GetJobByProviderTaskID returns the job holding a provider task handle.
func (store *JobStore) GetJobByProviderTaskID(ctx context.Context, taskID string) (job.Job, bool, error) {
	if taskID == "" {
		return job.Job{}, false, nil
	}
	return store.takeJob(ctx, false, "provider_task_id = ?", taskID)
}

// GetJobByIdempotencyKey returns the job created under an idempotency key.
func (store *JobStore) GetJobByIdempotencyKey(ctx context.Context, key string) (job.Job, bool, error) {
	return store.takeJob(ctx, false, "idempotency_key = ?", key)
}

// UpdateJob writes the mutable job fields back.
func (store *JobStore) UpdateJob(ctx context.Context, record job.Job) error {
	resultURLs, err := json.Marshal(record.ResultURLs)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("job_id = ?", record.ID.String()).
		Updates(map[string]interface{}{
			"status":           record.Status.String(),
			"provider_task_id": record.ProviderTaskID,
			"result_urls":      datatypesJSON(string(resultURLs)),
			"error_text":       record.ErrorText,
			"updated_at":       time.Unix(record.UpdatedUnixUTC, 0).UTC(),
			"finished_at":      unixOrNil(record.FinishedUnixUTC),
			"delivered_at":     unixOrNil(record.DeliveredUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, fmt.Errorf("%w: %s", job.ErrUnknownJob, record.ID))
	}
	return nil
}

// ListUndelivered returns done jobs whose result has not reached the user.
func (store *JobStore) ListUndelivered(ctx context.Context, limit int) ([]job.Job, error) {
	return store.listJobs(ctx, limit, "finished_at ASC",
		"status = ? AND delivered_at IS NULL", job.StatusDone.String())
}

// ListRunning returns running jobs, oldest update first.
func (store *JobStore) ListRunning(ctx context.Context, limit int) ([]job.Job, error) {
	return store.listJobs(ctx, limit, "updated_at ASC",
		"status = ?", job.StatusRunning.String())
}

// ListStale returns pending and running jobs not updated since the cutoff.
func (store *JobStore) ListStale(ctx context.Context, updatedBeforeUnixUTC int64, limit int) ([]job.Job, error) {
	cutoff := time.Unix(updatedBeforeUnixUTC, 0).UTC()
	return store.listJobs(ctx, limit, "updated_at ASC",
		"status IN ? AND updated_at < ?",
		[]string{job.StatusPending.String(), job.StatusRunning.String()}, cutoff)
}

// ListUserJobs returns a user's jobs, newest first.
func (store *JobStore) ListUserJobs(ctx context.Context, userID string, limit int) ([]job.Job, error) {
	return store.listJobs(ctx, limit, "created_at DESC", "user_id = ?", userID)
}

// ClaimDeliveryLock claims the delivery lock in one statement when the job is
// undelivered and the lock is unclaimed or expired. The row update is the
// single-winner guarantee.
func (store *JobStore) ClaimDeliveryLock(ctx context.Context, id job.ID, holder string, untilUnixUTC int64) (bool, error) {
	now := time.Now().UTC()
	result := store.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("job_id = ?", id.String()).
		Where("delivered_at IS NULL").
		Where("locked_by = ? OR locked_until IS NULL OR locked_until < ?", "", now).
		Updates(map[string]interface{}{
			"locked_by":    holder,
			"locked_until": time.Unix(untilUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectJob, errorCodeLock, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseDeliveryLock clears the lock if holder still owns it.
func (store *JobStore) ReleaseDeliveryLock(ctx context.Context, id job.ID, holder string) error {
	err := store.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("job_id = ? AND locked_by = ?", id.String(), holder).
		Updates(map[string]interface{}{
			"locked_by":    "",
			"locked_until": nil,
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeLock, err)
	}
	return nil
}

func (store *JobStore) takeJob(ctx context.Context, forUpdate bool, query string, args ...interface{}) (job.Job, bool, error) {
	var model JobRecord
	tx := store.db.WithContext(ctx)
	if forUpdate {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := tx.Where(query, args...).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return job.Job{}, false, nil
	}
	if err != nil {
		return job.Job{}, false, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	record, err := mapJobRecord(model)
	if err != nil {
		return job.Job{}, false, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return record, true, nil
}

func (store *JobStore) listJobs(ctx context.Context, limit int, order string, query string, args ...interface{}) ([]job.Job, error) {
	var rows []JobRecord
	err := store.db.WithContext(ctx).
		Where(query, args...).
		Order(order).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	records := make([]job.Job, 0, len(rows))
	for _, row := range rows {
		record, err := mapJobRecord(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func jobModel(record job.Job) (JobRecord, error) {
	resultURLs, err := json.Marshal(record.ResultURLs)
	if err != nil {
		return JobRecord{}, err
	}
	return JobRecord{
		JobID:          record.ID.String(),
		UserID:         record.UserID,
		ModelID:        record.ModelID,
		Category:       record.Category,
		InputParams:    datatypesJSON(record.InputParams),
		PriceCents:     record.PriceCents,
		Status:         record.Status.String(),
		ProviderTaskID: record.ProviderTaskID,
		ResultURLs:     datatypesJSON(string(resultURLs)),
		ErrorText:      record.ErrorText,
		IdempotencyKey: record.IdempotencyKey,
		ChatTarget:     record.ChatTarget,
		CreatedAt:      time.Unix(record.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:      time.Unix(record.UpdatedUnixUTC, 0).UTC(),
		FinishedAt:     unixOrNil(record.FinishedUnixUTC),
		DeliveredAt:    unixOrNil(record.DeliveredUnixUTC),
		LockedBy:       record.LockedBy,
		LockedUntil:    unixOrNil(record.LockedUntilUnixUTC),
	}, nil
}

func mapJobRecord(row JobRecord) (job.Job, error) {
	id, err := job.NewID(row.JobID)
	if err != nil {
		return job.Job{}, err
	}
	status, err := job.ParseStatus(row.Status)
	if err != nil {
		return job.Job{}, err
	}
	var resultURLs []string
	if len(row.ResultURLs) > 0 {
		if err := json.Unmarshal(row.ResultURLs, &resultURLs); err != nil {
			return job.Job{}, err
		}
	}
	return job.Job{
		ID:                 id,
		UserID:             row.UserID,
		ModelID:            row.ModelID,
		Category:           row.Category,
		InputParams:        string(row.InputParams),
		PriceCents:         row.PriceCents,
		Status:             status,
		ProviderTaskID:     row.ProviderTaskID,
		ResultURLs:         resultURLs,
		ErrorText:          row.ErrorText,
		IdempotencyKey:     row.IdempotencyKey,
		ChatTarget:         row.ChatTarget,
		CreatedUnixUTC:     row.CreatedAt.Unix(),
		UpdatedUnixUTC:     row.UpdatedAt.Unix(),
		FinishedUnixUTC:    timeOrZero(row.FinishedAt),
		DeliveredUnixUTC:   timeOrZero(row.DeliveredAt),
		LockedBy:           row.LockedBy,
		LockedUntilUnixUTC: timeOrZero(row.LockedUntil),
	}, nil
}
