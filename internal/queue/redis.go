package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// jobRetention is how long finished job records are kept for deduplication.
	jobRetention = 7 * 24 * time.Hour
	// claimScan bounds how many of the oldest ready jobs one Claim inspects.
	claimScan = 100
	// defaultClaimLease is how long a claim is honoured before Recover may
	// hand the job to another process.
	defaultClaimLease = 10 * time.Minute
)

// claimScript moves a job from the ready list to the processing set only if
// it is still ready, so two claimers never take the same job.
var claimScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
end
return 0`)

// RedisQueue is a reliable queue on Redis shared by any number of worker
// processes. Ready jobs wait in a list, delayed retries in a sorted set,
// claimed jobs in a processing set scored by claim time, and exhausted jobs
// in a dead list.
//
// Every (user, character) pair also has a FIFO list of its unfinished jobs.
// Only the head of that list can be claimed and it leaves the list when it
// completes or dies, so jobs for one pair run one at a time, in enqueue
// order, across all processes.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	lease  time.Duration
}

// RedisOptions configures the connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// ClaimLease is how long a running job stays claimed before Recover
	// treats its process as gone. Defaults to ten minutes.
	ClaimLease time.Duration
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, opts RedisOptions) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "charmem"
	}
	lease := opts.ClaimLease
	if lease <= 0 {
		lease = defaultClaimLease
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, lease: lease}, nil
}

func (q *RedisQueue) key(name string) string  { return q.prefix + ":" + name }
func (q *RedisQueue) jobKey(id string) string { return q.prefix + ":job:" + id }
func (q *RedisQueue) pairKey(j Job) string    { return q.prefix + ":pair:" + lockKey(j) }

type redisJob struct {
	Job
	State string `json:"state"`
}

func (q *RedisQueue) load(ctx context.Context, id string) (*redisJob, error) {
	b, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var rj redisJob
	if err := json.Unmarshal(b, &rj); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &rj, nil
}

func (q *RedisQueue) save(ctx context.Context, rj *redisJob, ttl time.Duration) error {
	b, err := json.Marshal(rj)
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, q.jobKey(rj.ID), b, ttl).Err()
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobs ...Job) error {
	for _, j := range jobs {
		if j.CreatedAt.IsZero() {
			j.CreatedAt = time.Now()
		}
		if j.RunAt.IsZero() {
			j.RunAt = j.CreatedAt
		}
		b, err := json.Marshal(redisJob{Job: j, State: "ready"})
		if err != nil {
			return err
		}
		ok, err := q.rdb.SetNX(ctx, q.jobKey(j.ID), b, 0).Result()
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", j.ID, err)
		}
		if !ok {
			continue
		}
		_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.RPush(ctx, q.pairKey(j), j.ID)
			p.LPush(ctx, q.key("ready"), j.ID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", j.ID, err)
		}
	}
	return nil
}

// promote moves delayed jobs whose time has come onto the ready list.
func (q *RedisQueue) promote(ctx context.Context, now time.Time) error {
	due, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		removed, err := q.rdb.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return err
		}
		// another claimer promoted it first
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.key("ready"), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Claim takes the oldest ready job that heads its pair's list. Jobs behind a
// running, delayed or earlier ready job of the same pair are skipped.
func (q *RedisQueue) Claim(ctx context.Context, now time.Time) (*Job, error) {
	if err := q.promote(ctx, now); err != nil {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}
	ids, err := q.rdb.LRange(ctx, q.key("ready"), -claimScan, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	// the list grows at the head, so the oldest job is last
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		rj, err := q.load(ctx, id)
		if errors.Is(err, redis.Nil) {
			q.rdb.LRem(ctx, q.key("ready"), 1, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		head, err := q.rdb.LIndex(ctx, q.pairKey(rj.Job), 0).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if err == nil && head != id {
			continue
		}

		won, err := claimScript.Run(ctx, q.rdb, []string{q.key("ready"), q.key("processing")},
			id, time.Now().UnixMilli()).Int()
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		if won == 0 {
			continue
		}
		rj.Attempts++
		rj.State = "claimed"
		if err := q.save(ctx, rj, 0); err != nil {
			return nil, err
		}
		return &rj.Job, nil
	}
	return nil, ErrEmpty
}

// finish releases a claimed job. Terminal states also take it off its
// pair's list, letting the next job of the pair run.
func (q *RedisQueue) finish(ctx context.Context, job Job, state, reason string) error {
	rj, err := q.load(ctx, job.ID)
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if rj != nil {
		rj.State = state
		rj.LastError = reason
		ttl := time.Duration(0)
		if state == "done" {
			ttl = jobRetention
		}
		if err := q.save(ctx, rj, ttl); err != nil {
			return err
		}
		job = rj.Job
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.key("processing"), job.ID)
		if state != "ready" {
			p.LRem(ctx, q.pairKey(job), 1, job.ID)
		}
		return nil
	})
	return err
}

func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	rj, err := q.load(ctx, id)
	if errors.Is(err, redis.Nil) {
		return q.rdb.ZRem(ctx, q.key("processing"), id).Err()
	}
	if err != nil {
		return err
	}
	return q.finish(ctx, rj.Job, "done", "")
}

func (q *RedisQueue) Retry(ctx context.Context, job Job, runAt time.Time, reason string) error {
	if err := q.finish(ctx, job, "ready", reason); err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, q.key("delayed"), &redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: job.ID,
	}).Err()
}

func (q *RedisQueue) Fail(ctx context.Context, job Job, reason string) error {
	if err := q.finish(ctx, job, "dead", reason); err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.key("dead"), job.ID).Err()
}

// Recover returns jobs claimed longer ago than the claim lease to the ready
// list. Claims held by live processes sharing the queue are left alone.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	stale, err := q.rdb.ZRangeByScore(ctx, q.key("processing"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().Add(-q.lease).UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range stale {
		removed, err := q.rdb.ZRem(ctx, q.key("processing"), id).Result()
		if err != nil {
			return n, err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.RPush(ctx, q.key("ready"), id).Err(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	ready, err := q.rdb.LLen(ctx, q.key("ready")).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := q.rdb.ZCard(ctx, q.key("delayed")).Result()
	if err != nil {
		return 0, err
	}
	return int(ready + delayed), nil
}

func (q *RedisQueue) Pending(ctx context.Context, kind Kind, userID, characterName string) (int, error) {
	ids, err := q.rdb.LRange(ctx, q.pairKey(Job{UserID: userID, CharacterName: characterName}), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		rj, err := q.load(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if rj.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (q *RedisQueue) Dead(ctx context.Context) ([]Job, error) {
	ids, err := q.rdb.LRange(ctx, q.key("dead"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []Job
	for i := len(ids) - 1; i >= 0; i-- {
		rj, err := q.load(ctx, ids[i])
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rj.Job)
	}
	return out, nil
}

// Revive makes a dead job ready again. It rejoins its pair's list at the
// back, behind work enqueued while it was dead.
func (q *RedisQueue) Revive(ctx context.Context, id string, now time.Time) error {
	removed, err := q.rdb.LRem(ctx, q.key("dead"), 1, id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("job %s is not dead", id)
	}
	rj, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	rj.State = "ready"
	rj.Attempts = 0
	rj.RunAt = now
	if err := q.save(ctx, rj, 0); err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, q.pairKey(rj.Job), id)
		p.LPush(ctx, q.key("ready"), id)
		return nil
	})
	return err
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
