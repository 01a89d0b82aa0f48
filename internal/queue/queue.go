// Package queue is the background execution engine: Redis-backed FIFO lists
// per priority, drained by a pool of workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/consentlens/internal/cache"
	"github.com/kiranshivaraju/consentlens/pkg/models"
)

var (
	ErrNoSuchJob       = errors.New("no such job")
	ErrUnknownPriority = errors.New("unknown queue priority")
)

// Priorities lists the queues in the order workers drain them.
var Priorities = []string{models.PriorityHigh, models.PriorityDefault, models.PriorityLow}

const (
	defaultResultTTL  = time.Hour
	defaultJobTimeout = 5 * time.Minute
)

// ValidPriority reports whether p names a queue.
func ValidPriority(p string) bool {
	for _, q := range Priorities {
		if q == p {
			return true
		}
	}
	return false
}

// Task is the unit of work handed to a Handler.
type Task struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Job is a dequeued task with its engine metadata.
type Job struct {
	ID       string
	Priority string
	Attempts int
	Task     Task
}

// Status is the engine's view of a job.
type Status struct {
	JobID     string
	Status    string
	Priority  string
	Type      string
	CreatedAt *time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Result    json.RawMessage
	Error     string
	Progress  map[string]any
	Attempts  int
}

// QueueInfo summarises one priority queue.
type QueueInfo struct {
	Name     string `json:"name"`
	Pending  int64  `json:"pending"`
	Started  int64  `json:"started"`
	Finished int64  `json:"finished"`
	Failed   int64  `json:"failed"`
}

// Options configures a RedisQueue.
type Options struct {
	// ResultTTL is how long finished and failed job hashes are kept.
	ResultTTL time.Duration
	// JobTimeout bounds a single handler invocation.
	JobTimeout time.Duration
}

// RedisQueue stores each job as a hash and its id on a per-priority list.
type RedisQueue struct {
	client *redis.Client
	opts   Options
}

// NewRedisQueue creates a RedisQueue on an existing client.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = defaultResultTTL
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	return &RedisQueue{client: client, opts: opts}
}

// Enqueue records the job as queued and appends it to its priority list.
// An empty jobID gets a generated one.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task, priority, jobID string) (string, error) {
	if priority == "" {
		priority = models.PriorityDefault
	}
	if !ValidPriority(priority) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPriority, priority)
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, cache.JobKey(jobID), map[string]any{
		"status":     models.JobStatusQueued,
		"priority":   priority,
		"type":       task.Type,
		"payload":    string(task.Payload),
		"created_at": formatTime(time.Now()),
		"attempts":   0,
	})
	pipe.RPush(ctx, cache.QueueKey(priority), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

// Status returns the engine record of jobID, or ErrNoSuchJob.
func (q *RedisQueue) Status(ctx context.Context, jobID string) (*Status, error) {
	fields, err := q.client.HGetAll(ctx, cache.JobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNoSuchJob
	}
	return parseStatus(jobID, fields), nil
}

// SetProgress attaches free-form progress metadata to a running job.
func (q *RedisQueue) SetProgress(ctx context.Context, jobID string, progress map[string]any) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return q.client.HSet(ctx, cache.JobKey(jobID), "progress", string(data)).Err()
}

// Info returns pending counts and lifetime counters of every queue.
func (q *RedisQueue) Info(ctx context.Context) ([]QueueInfo, error) {
	pipe := q.client.Pipeline()
	lens := make([]*redis.IntCmd, len(Priorities))
	stats := make([]*redis.MapStringStringCmd, len(Priorities))
	for i, p := range Priorities {
		lens[i] = pipe.LLen(ctx, cache.QueueKey(p))
		stats[i] = pipe.HGetAll(ctx, cache.QueueStatsKey(p))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue info: %w", err)
	}

	out := make([]QueueInfo, len(Priorities))
	for i, p := range Priorities {
		s := stats[i].Val()
		out[i] = QueueInfo{
			Name:     p,
			Pending:  lens[i].Val(),
			Started:  atoi64(s["started"]),
			Finished: atoi64(s["finished"]),
			Failed:   atoi64(s["failed"]),
		}
	}
	return out, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// dequeue pops the oldest job of the highest non-empty priority, waiting up
// to wait. It returns nil, nil when nothing arrived.
func (q *RedisQueue) dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	keys := make([]string, len(Priorities))
	for i, p := range Priorities {
		keys[i] = cache.QueueKey(p)
	}

	res, err := q.client.BLPop(ctx, wait, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	jobID := res[1]

	fields, err := q.client.HGetAll(ctx, cache.JobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchJob, jobID)
	}

	return &Job{
		ID:       jobID,
		Priority: fields["priority"],
		Attempts: int(atoi64(fields["attempts"])),
		Task:     Task{Type: fields["type"], Payload: json.RawMessage(fields["payload"])},
	}, nil
}

// requeue puts a popped job back at the head of its priority list.
func (q *RedisQueue) requeue(ctx context.Context, job *Job) error {
	priority := job.Priority
	if !ValidPriority(priority) {
		priority = models.PriorityDefault
	}
	return q.client.LPush(ctx, cache.QueueKey(priority), job.ID).Err()
}

func (q *RedisQueue) markStarted(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, cache.JobKey(job.ID), "status", models.JobStatusStarted, "started_at", formatTime(time.Now()))
	pipe.HIncrBy(ctx, cache.JobKey(job.ID), "attempts", 1)
	pipe.HIncrBy(ctx, cache.QueueStatsKey(job.Priority), "started", 1)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) markFinished(ctx context.Context, job *Job, result json.RawMessage) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, cache.JobKey(job.ID),
		"status", models.JobStatusFinished,
		"ended_at", formatTime(time.Now()),
		"result", string(result),
	)
	pipe.Expire(ctx, cache.JobKey(job.ID), q.opts.ResultTTL)
	pipe.HIncrBy(ctx, cache.QueueStatsKey(job.Priority), "finished", 1)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) markFailed(ctx context.Context, job *Job, cause error) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, cache.JobKey(job.ID),
		"status", models.JobStatusFailed,
		"ended_at", formatTime(time.Now()),
		"error", cause.Error(),
	)
	pipe.Expire(ctx, cache.JobKey(job.ID), q.opts.ResultTTL)
	pipe.HIncrBy(ctx, cache.QueueStatsKey(job.Priority), "failed", 1)
	_, err := pipe.Exec(ctx)
	return err
}

func parseStatus(jobID string, f map[string]string) *Status {
	s := &Status{
		JobID:     jobID,
		Status:    f["status"],
		Priority:  f["priority"],
		Type:      f["type"],
		CreatedAt: parseTime(f["created_at"]),
		StartedAt: parseTime(f["started_at"]),
		EndedAt:   parseTime(f["ended_at"]),
		Error:     f["error"],
		Attempts:  int(atoi64(f["attempts"])),
	}
	if r := f["result"]; r != "" {
		s.Result = json.RawMessage(r)
	}
	if p := f["progress"]; p != "" {
		var progress map[string]any
		if json.Unmarshal([]byte(p), &progress) == nil {
			s.Progress = progress
		}
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
