// Package mongostore provides a MongoDB-backed controlroom.Store so multiple
// worker processes can share the live task queue. Claim uses a single
// findOneAndUpdate so at most one worker wins a queued task.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/iNandix/denis/internal/controlroom"
)

const (
	defaultTasksCollection     = "cr_tasks"
	defaultApprovalsCollection = "cr_approvals"
	defaultOpTimeout           = 5 * time.Second
	clientName                 = "controlroom-mongo"
)

// Options configures the store.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database name. Required.
	Database string
	// TasksCollection and ApprovalsCollection override the defaults.
	TasksCollection     string
	ApprovalsCollection string
	// Timeout bounds individual operations.
	Timeout time.Duration
}

// Store implements controlroom.Store on MongoDB.
type Store struct {
	client    *mongodriver.Client
	tasks     *mongodriver.Collection
	approvals *mongodriver.Collection
	timeout   time.Duration
}

// New builds the store and ensures its indexes.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	tasksColl := opts.TasksCollection
	if tasksColl == "" {
		tasksColl = defaultTasksCollection
	}
	approvalsColl := opts.ApprovalsCollection
	if approvalsColl == "" {
		approvalsColl = defaultApprovalsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:    opts.Client,
		tasks:     db.Collection(tasksColl),
		approvals: db.Collection(approvalsColl),
		timeout:   timeout,
	}

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(idxCtx); err != nil {
		return nil, fmt.Errorf("mongostore: ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.tasks.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	}); err != nil {
		return err
	}
	_, err := s.approvals.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "approval_id", Value: 1}}, Options: options.Index().SetUnique(true),
	})
	return err
}

// Name identifies the store to health checks.
func (s *Store) Name() string { return clientName }

// Ping reports Mongo reachability for /health.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

// UpsertTask implements controlroom.Store.
func (s *Store) UpsertTask(ctx context.Context, task controlroom.Task) error {
	if task.TaskID == "" {
		return errors.New("mongostore: task id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"task_id": task.TaskID}
	_, err := s.tasks.UpdateOne(ctx, filter, bson.M{"$set": task}, options.UpdateOne().SetUpsert(true))
	return err
}

// LoadTask implements controlroom.Store.
func (s *Store) LoadTask(ctx context.Context, taskID string) (controlroom.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var task controlroom.Task
	err := s.tasks.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&task)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return controlroom.Task{}, controlroom.ErrNotFound
	}
	if err != nil {
		return controlroom.Task{}, err
	}
	return task, nil
}

// Claim implements controlroom.Store with a single findOneAndUpdate: the
// document filter selects queued tasks (or expired running leases), the
// update flips status and lease atomically.
func (s *Store) Claim(ctx context.Context, workerID string, lease time.Duration) (controlroom.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{"$or": bson.A{
		bson.M{"status": controlroom.TaskQueued},
		bson.M{"status": controlroom.TaskRunning, "lease_expires_at": bson.M{"$lt": now}},
	}}
	update := bson.M{"$set": bson.M{
		"status":           controlroom.TaskRunning,
		"claimed_by":       workerID,
		"lease_expires_at": now.Add(lease),
		"updated_at":       now,
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	var task controlroom.Task
	err := s.tasks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&task)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return controlroom.Task{}, controlroom.ErrNotFound
	}
	if err != nil {
		return controlroom.Task{}, err
	}
	return task, nil
}

// UpsertApproval implements controlroom.Store.
func (s *Store) UpsertApproval(ctx context.Context, approval controlroom.Approval) error {
	if approval.ApprovalID == "" {
		return errors.New("mongostore: approval id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"approval_id": approval.ApprovalID}
	_, err := s.approvals.UpdateOne(ctx, filter, bson.M{"$set": approval}, options.UpdateOne().SetUpsert(true))
	return err
}

// LoadApproval implements controlroom.Store.
func (s *Store) LoadApproval(ctx context.Context, approvalID string) (controlroom.Approval, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var approval controlroom.Approval
	err := s.approvals.FindOne(ctx, bson.M{"approval_id": approvalID}).Decode(&approval)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return controlroom.Approval{}, controlroom.ErrNotFound
	}
	if err != nil {
		return controlroom.Approval{}, err
	}
	return approval, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
