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

	"agency-core/internal/config"
	"agency-core/internal/models"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrNotDeadLetter = errors.New("job is not dead-lettered")
	ErrInvalidJob    = errors.New("invalid job")
)

// SubmitParams describes a job at submission time.
type SubmitParams struct {
	Type        string
	Payload     json.RawMessage
	Priority    models.Priority
	OwnerID     string
	Tenant      string
	MaxAttempts int
	RunAt       time.Time
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Ready        map[string]int64 `json:"ready"`
	InFlight     int64            `json:"in_flight"`
	Scheduled    int64            `json:"scheduled"`
	DeadLettered int64            `json:"dead_lettered"`
}

// RedisQueue coordinates ready, in-flight, scheduled and dead-letter structures in Redis.
// Each priority tier is a list (RPUSH/LPOP keeps FIFO order); the job itself lives in a hash
// so the payload survives retries and dead-lettering byte for byte.
type RedisQueue struct {
	pool          *Pool
	inflightKey   string
	scheduledKey  string
	jobPrefix     string
	dlqKey        string
	visibilityTTL time.Duration
	maxAttempts   int
	retention     time.Duration
}

// NewRedisQueue builds a queue over pool from config.
func NewRedisQueue(pool *Pool, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RedisQueue{
		pool:          pool,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		jobPrefix:     "queue:job:",
		dlqKey:        "queue:dlq",
		visibilityTTL: visibility,
		maxAttempts:   maxAttempts,
		retention:     24 * time.Hour,
	}
}

// Available reports whether the backend can currently be used.
func (q *RedisQueue) Available() bool {
	return q.pool.Available()
}

func (q *RedisQueue) readyKey(p models.Priority) string {
	return fmt.Sprintf("queue:ready:%s", p)
}

func (q *RedisQueue) jobKey(jobID string) string {
	return q.jobPrefix + jobID
}

// Submit stores the job record and places it on its ready tier, or on the scheduled set when
// RunAt lies in the future.
func (q *RedisQueue) Submit(ctx context.Context, params SubmitParams) (models.JobHandle, error) {
	if params.Type == "" {
		return models.JobHandle{}, fmt.Errorf("%w: job type is required", ErrInvalidJob)
	}
	if params.Priority == 0 {
		params.Priority = models.PriorityNormal
	}
	if !params.Priority.Valid() {
		return models.JobHandle{}, fmt.Errorf("%w: unknown priority %d", ErrInvalidJob, params.Priority)
	}
	if len(params.Payload) == 0 {
		params.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(params.Payload) {
		return models.JobHandle{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidJob)
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = q.maxAttempts
	}

	client, err := q.pool.Client(ctx)
	if err != nil {
		return models.JobHandle{}, err
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.NewString(),
		Type:        params.Type,
		Priority:    params.Priority,
		Tenant:      params.Tenant,
		OwnerID:     params.OwnerID,
		Payload:     params.Payload,
		SubmittedAt: now,
		MaxAttempts: params.MaxAttempts,
		Status:      models.JobStatusQueued,
		NextRunAt:   now,
	}
	if params.RunAt.After(now) {
		job.NextRunAt = params.RunAt.UTC()
	}

	pipe := client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), encodeJob(job))
	if job.NextRunAt.After(now) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(job.NextRunAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.RPush(ctx, q.readyKey(job.Priority), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.JobHandle{}, fmt.Errorf("submit job: %w", q.pool.wrap(err))
	}
	return models.JobHandle{ID: job.ID, Type: job.Type, Priority: job.Priority}, nil
}

// Dequeue pops the next job in strict priority order and leases it for the visibility timeout.
// It returns nil when every tier is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(models.Priorities)+1)
	for _, p := range models.Priorities {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, q.pool.wrap(err)
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	pipe := client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), "status", models.JobStatusActive)
	pipe.HIncrBy(ctx, q.jobKey(jobID), "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, q.pool.wrap(err)
	}
	job, err := q.load(ctx, client, jobID)
	if err != nil {
		// A lease without a record cannot be executed; drop it.
		client.ZRem(ctx, q.inflightKey, jobID)
		return nil, err
	}
	return &job, nil
}

// Get loads a job record.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (models.Job, error) {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return models.Job{}, err
	}
	return q.load(ctx, client, jobID)
}

func (q *RedisQueue) load(ctx context.Context, client *redis.Client, jobID string) (models.Job, error) {
	fields, err := client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return models.Job{}, q.pool.wrap(err)
	}
	if len(fields) == 0 {
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return decodeJob(jobID, fields)
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return err
	}
	return q.pool.wrap(client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err())
}

// Ack releases the lease of a successful job and keeps its record for the retention window.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return err
	}
	pipe := client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.HSet(ctx, q.jobKey(jobID), "status", models.JobStatusSucceeded, "last_error", "")
	pipe.Expire(ctx, q.jobKey(jobID), q.retention)
	_, err = pipe.Exec(ctx)
	return q.pool.wrap(err)
}

// Retry releases the lease and schedules the job to run again at runAt.
func (q *RedisQueue) Retry(ctx context.Context, job models.Job, cause error, runAt time.Time) error {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return err
	}
	pipe := client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID),
		"status", models.JobStatusRetrying,
		"last_error", errString(cause),
		"next_run_at", runAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return q.pool.wrap(err)
}

// Release hands a leased job back without counting the attempt. It becomes ready again at runAt.
func (q *RedisQueue) Release(ctx context.Context, job models.Job, runAt time.Time) error {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return err
	}
	pipe := client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID),
		"status", models.JobStatusQueued,
		"next_run_at", runAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.HIncrBy(ctx, q.jobKey(job.ID), "attempts", -1)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return q.pool.wrap(err)
}

// DeadLetter releases the lease and records the job on the dead-letter list with its last error.
// The job hash, payload included, is left untouched apart from the status fields.
func (q *RedisQueue) DeadLetter(ctx context.Context, job models.Job, cause error) error {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return err
	}
	pipe := client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID),
		"status", models.JobStatusDeadLetter,
		"last_error", errString(cause),
		"failed_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.LPush(ctx, q.dlqKey, job.ID)
	_, err = pipe.Exec(ctx)
	return q.pool.wrap(err)
}

// DLQPeek returns the most recent dead letters, newest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]models.DeadLetter, error) {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 50
	}
	ids, err := client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, q.pool.wrap(err)
	}
	out := make([]models.DeadLetter, 0, len(ids))
	for _, id := range ids {
		dl, err := q.deadLetter(ctx, client, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

// DLQGet returns a single dead letter.
func (q *RedisQueue) DLQGet(ctx context.Context, jobID string) (models.DeadLetter, error) {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return models.DeadLetter{}, err
	}
	return q.deadLetter(ctx, client, jobID)
}

func (q *RedisQueue) deadLetter(ctx context.Context, client *redis.Client, jobID string) (models.DeadLetter, error) {
	job, err := q.load(ctx, client, jobID)
	if err != nil {
		return models.DeadLetter{}, err
	}
	if job.Status != models.JobStatusDeadLetter {
		return models.DeadLetter{}, fmt.Errorf("%w: %s has status %s", ErrNotDeadLetter, jobID, job.Status)
	}
	fields, err := client.HMGet(ctx, q.jobKey(jobID), "failed_at").Result()
	if err != nil {
		return models.DeadLetter{}, q.pool.wrap(err)
	}
	dl := models.DeadLetter{Job: job, Error: job.LastError}
	if s, ok := fields[0].(string); ok {
		dl.FailedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return dl, nil
}

// Replay moves a dead letter back onto its ready tier with a fresh attempt budget.
func (q *RedisQueue) Replay(ctx context.Context, jobID string) (models.JobHandle, error) {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return models.JobHandle{}, err
	}
	dl, err := q.deadLetter(ctx, client, jobID)
	if err != nil {
		return models.JobHandle{}, err
	}
	pipe := client.TxPipeline()
	pipe.LRem(ctx, q.dlqKey, 0, jobID)
	pipe.HSet(ctx, q.jobKey(jobID),
		"status", models.JobStatusQueued,
		"attempts", 0,
		"last_error", "",
		"next_run_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.HDel(ctx, q.jobKey(jobID), "failed_at")
	pipe.RPush(ctx, q.readyKey(dl.Job.Priority), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.JobHandle{}, fmt.Errorf("replay %s: %w", jobID, q.pool.wrap(err))
	}
	return models.JobHandle{ID: jobID, Type: dl.Job.Type, Priority: dl.Job.Priority}, nil
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return 0, err
	}
	ids, err := client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, q.pool.wrap(err)
	}

	pipe := client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.HSet(ctx, q.jobKey(id), "status", models.JobStatusQueued)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, client, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, q.pool.wrap(err)
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them on their tier.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, q.pool.wrap(err)
	}

	pipe := client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.HSet(ctx, q.jobKey(id), "status", models.JobStatusQueued)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, client, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, q.pool.wrap(err)
	}
	return ids, nil
}

func (q *RedisQueue) priorityOf(ctx context.Context, client *redis.Client, jobID string) models.Priority {
	raw, err := client.HGet(ctx, q.jobKey(jobID), "priority").Result()
	if err != nil {
		return models.PriorityNormal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || !models.Priority(n).Valid() {
		return models.PriorityNormal
	}
	return models.Priority(n)
}

// Cancel removes a job from ready, scheduled, and in-flight sets and marks it cancelled.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return err
	}
	pipe := client.TxPipeline()
	for _, p := range models.Priorities {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.HSet(ctx, q.jobKey(jobID), "status", models.JobStatusCancelled)
	pipe.Expire(ctx, q.jobKey(jobID), q.retention)
	_, err = pipe.Exec(ctx)
	return q.pool.wrap(err)
}

// Stats reports depth per tier plus in-flight, scheduled and dead-lettered counts.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	client, err := q.pool.Client(ctx)
	if err != nil {
		return Stats{}, err
	}
	pipe := client.Pipeline()
	ready := make(map[models.Priority]*redis.IntCmd, len(models.Priorities))
	for _, p := range models.Priorities {
		ready[p] = pipe.LLen(ctx, q.readyKey(p))
	}
	inflight := pipe.ZCard(ctx, q.inflightKey)
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	dlq := pipe.LLen(ctx, q.dlqKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, q.pool.wrap(err)
	}
	st := Stats{
		Ready:        make(map[string]int64, len(ready)),
		InFlight:     inflight.Val(),
		Scheduled:    scheduled.Val(),
		DeadLettered: dlq.Val(),
	}
	for p, cmd := range ready {
		st.Ready[p.String()] = cmd.Val()
	}
	return st, nil
}

func encodeJob(job models.Job) map[string]any {
	return map[string]any{
		"type":         job.Type,
		"priority":     int(job.Priority),
		"tenant":       job.Tenant,
		"owner_id":     job.OwnerID,
		"payload":      []byte(job.Payload),
		"submitted_at": job.SubmittedAt.Format(time.RFC3339Nano),
		"max_attempts": job.MaxAttempts,
		"status":       job.Status,
		"attempts":     job.Attempts,
		"last_error":   job.LastError,
		"next_run_at":  job.NextRunAt.Format(time.RFC3339Nano),
	}
}

func decodeJob(id string, f map[string]string) (models.Job, error) {
	priority, err := strconv.Atoi(f["priority"])
	if err != nil {
		return models.Job{}, fmt.Errorf("job %s: bad priority %q", id, f["priority"])
	}
	maxAttempts, _ := strconv.Atoi(f["max_attempts"])
	attempts, _ := strconv.Atoi(f["attempts"])
	submitted, _ := time.Parse(time.RFC3339Nano, f["submitted_at"])
	nextRun, _ := time.Parse(time.RFC3339Nano, f["next_run_at"])
	return models.Job{
		ID:          id,
		Type:        f["type"],
		Priority:    models.Priority(priority),
		Tenant:      f["tenant"],
		OwnerID:     f["owner_id"],
		Payload:     json.RawMessage(f["payload"]),
		SubmittedAt: submitted,
		MaxAttempts: maxAttempts,
		Status:      f["status"],
		Attempts:    attempts,
		LastError:   f["last_error"],
		NextRunAt:   nextRun,
	}, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
