package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// --- history store ---

// CreateConversation persists a new conversation together with its initial
// message in one transaction. The id must be set by the caller and is assumed
// collision-free (ULID).
func (r *Repo) CreateConversation(ctx context.Context, conv *Conversation, initial *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		initial.ConversationID = conv.ID
		return tx.Create(initial).Error
	})
}

// GetConversation reads a conversation scoped by (id, owner) and assembles
// its full history in append order. An absent id and a wrong owner both
// return ErrNotFound.
func (r *Repo) GetConversation(ctx context.Context, id, owner string) (*Conversation, error) {
	var conv Conversation
	err := r.db.WithContext(ctx).
		Where("id = ? AND owner = ?", id, owner).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", id).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	conv.History = msgs
	return &conv, nil
}

// AppendHistory adds msgs to the end of a conversation's history in one
// transaction, scoped by (id, owner). Existing rows are never touched.
// gorm fills the message ids on the way out.
func (r *Repo) AppendHistory(ctx context.Context, id, owner string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		if err := tx.Where("id = ? AND owner = ?", id, owner).First(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		for i := range msgs {
			msgs[i].ConversationID = id
		}
		if err := tx.Create(&msgs).Error; err != nil {
			return err
		}
		return tx.Model(&Conversation{}).
			Where("id = ?", id).
			Update("updated_at", time.Now()).Error
	})
}

// --- index store ---

// AppendIndexEntry adds one listing row for an owner. Row-per-entry makes the
// create-vs-append branch of a document model unnecessary: two concurrent
// creators for a brand-new owner each insert their own row and both survive.
func (r *Repo) AppendIndexEntry(ctx context.Context, e *IndexEntry) error {
	return r.db.WithContext(ctx).Create(e).Error
}

// ListIndexEntries returns an owner's entries in append order. An unknown
// owner gets an empty slice, indistinguishable from an owner with no entries.
func (r *Repo) ListIndexEntries(ctx context.Context, owner string) ([]IndexEntry, error) {
	entries := make([]IndexEntry, 0)
	if err := r.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// --- generation jobs ---

func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetJobByID returns ErrNotFound for an unknown job id; other failures come
// back as driver errors.
func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, modelMsgID uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": modelMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) GetJobByOwnerAndIdempotencyKey(ctx context.Context, owner, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("owner = ? AND idempotency_key = ?", owner, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (owner,
// idempotency_key) already exists it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByOwnerAndIdempotencyKey(ctx, job.Owner, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
