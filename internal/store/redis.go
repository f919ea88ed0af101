package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxqueue/voxqueue/internal/task"
)

const (
	taskPrefix   = "voxqueue:task:"
	pendingKey   = "voxqueue:pending"
	deadlinesKey = "voxqueue:deadlines"

	txRetries = 10
)

// claimScript pops the most eligible pending id, marks the task processing
// and registers its deadline, all server-side so concurrent claimers can
// never receive the same task.
// KEYS: pending zset, deadlines zset. ARGV: task prefix, now RFC3339, now unix.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then return false end
local id = popped[1]
local key = ARGV[1] .. id
local raw = redis.call('GET', key)
if not raw then return false end
local t = cjson.decode(raw)
t['status'] = 'processing'
t['started_at'] = ARGV[2]
t['updated_at'] = ARGV[2]
local enc = cjson.encode(t)
redis.call('SET', key, enc)
local timeout = t['config']['timeout']
if timeout and tonumber(timeout) > 0 then
	redis.call('ZADD', KEYS[2], tonumber(ARGV[3]) + tonumber(timeout), id)
end
return enc
`)

// sweepScript reclassifies every processing task whose deadline score has
// passed and returns the updated task payloads.
// KEYS: deadlines zset. ARGV: task prefix, now unix, now RFC3339.
var sweepScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local out = {}
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	local key = ARGV[1] .. id
	local raw = redis.call('GET', key)
	if raw then
		local t = cjson.decode(raw)
		if t['status'] == 'processing' then
			t['status'] = 'timed_out'
			t['completed_at'] = ARGV[3]
			t['updated_at'] = ARGV[3]
			local enc = cjson.encode(t)
			redis.call('SET', key, enc)
			table.insert(out, enc)
		end
	end
end
return out
`)

// Redis is the production Store backend. Task snapshots live as JSON values
// under taskPrefix, the pending set is a zset scored by priority then
// created_at, and processing deadlines are a zset scored by expiry time.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Redis{client: client}, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}

// pendingScore orders the pending zset: lower scores are claimed first, so
// higher priorities get the smaller base and created_at breaks ties FIFO at
// millisecond granularity. Both terms stay well under float64's 2^53 integer
// range, so the score is exact.
func pendingScore(p task.Priority, created time.Time) float64 {
	return float64(2-p.Weight())*1e13 + float64(created.UnixMilli())
}

func (s *Redis) Insert(ctx context.Context, cfg task.Config) (*task.Task, error) {
	t := task.New(cfg)

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, taskPrefix+t.ID, data, 0)
	pipe.ZAdd(ctx, pendingKey, redis.Z{
		Score:  pendingScore(t.Config.Priority, t.CreatedAt),
		Member: t.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	return t, nil
}

func (s *Redis) ClaimNext(ctx context.Context, now time.Time) (*task.Task, error) {
	now = now.UTC()
	raw, err := claimScript.Run(ctx, s.client,
		[]string{pendingKey, deadlinesKey},
		taskPrefix, now.Format(time.RFC3339Nano), now.Unix(),
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal claimed task: %w", err)
	}
	return &t, nil
}

func (s *Redis) Update(ctx context.Context, id string, mut Mutation) (*task.Task, error) {
	key := taskPrefix + id
	var updated *task.Task

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		var t task.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("unmarshal task: %w", err)
		}

		prev := t.Status
		if err := apply(&t, mut, time.Now().UTC()); err != nil {
			return err
		}

		data, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if t.Status == task.StatusPending {
				// covers both the retry recycle and a priority re-score
				pipe.ZAdd(ctx, pendingKey, redis.Z{
					Score:  pendingScore(t.Config.Priority, t.CreatedAt),
					Member: t.ID,
				})
			} else if prev == task.StatusPending {
				pipe.ZRem(ctx, pendingKey, t.ID)
			}
			if prev == task.StatusProcessing && t.Status != task.StatusProcessing {
				pipe.ZRem(ctx, deadlinesKey, t.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = &t
		return nil
	}

	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("update task: %w", err)
	}
	return nil, fmt.Errorf("update task %s: too many transaction conflicts", id)
}

func (s *Redis) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.client.Get(ctx, taskPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

func (s *Redis) all(ctx context.Context) ([]*task.Task, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, taskPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		keys = append(keys, batch...)
		if cursor = next; cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return []*task.Task{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func (s *Redis) List(ctx context.Context, limit, offset int) ([]*task.Task, error) {
	tasks, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	if offset >= len(tasks) {
		return []*task.Task{}, nil
	}
	tasks = tasks[offset:]
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *Redis) ListByStatus(ctx context.Context, st task.Status) ([]*task.Task, error) {
	tasks, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0)
	for _, t := range tasks {
		if t.Status == st {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Redis) Stats(ctx context.Context) (task.Stats, error) {
	tasks, err := s.all(ctx)
	if err != nil {
		return task.Stats{}, err
	}
	var stats task.Stats
	for _, t := range tasks {
		stats.Add(t.Status, 1)
	}
	return stats, nil
}

func (s *Redis) SweepTimedOut(ctx context.Context, now time.Time) ([]*task.Task, error) {
	now = now.UTC()
	raw, err := sweepScript.Run(ctx, s.client,
		[]string{deadlinesKey},
		taskPrefix, now.Unix(), now.Format(time.RFC3339Nano),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*task.Task{}, nil
		}
		return nil, fmt.Errorf("sweep timed out tasks: %w", err)
	}

	swept := make([]*task.Task, 0, len(raw))
	for _, enc := range raw {
		var t task.Task
		if err := json.Unmarshal([]byte(enc), &t); err != nil {
			return nil, fmt.Errorf("unmarshal swept task: %w", err)
		}
		swept = append(swept, &t)
	}
	return swept, nil
}

func (s *Redis) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	tasks, err := s.all(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	pipe := s.client.Pipeline()
	for _, t := range tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(before) {
			pipe.Del(ctx, taskPrefix+t.ID)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return n, nil
}
