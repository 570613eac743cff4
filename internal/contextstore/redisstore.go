package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yivideo/orchestrator/internal/pkg/httpx"
	"github.com/yivideo/orchestrator/internal/workflow"
)

// RedisConfig configures the Redis-backed Store.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	KeyPrefix    string
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "orch"
	}
	return c
}

// RedisStore is the production Store implementation: every write is a
// Redis optimistic transaction (WATCH/MULTI/EXEC) over a single key
// holding the whole workflow.Context, so concurrent workers never
// interleave a partial update. Cross-worker visibility is bounded only
// by Redis round-trip latency, comfortably inside the design target of
// 500ms (SPEC_FULL.md §4.1).
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisStore dials Redis and verifies connectivity with a PING, in the
// same fail-fast style as the teacher's client bootstraps elsewhere in
// this module.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, workflow.NewError(workflow.KindStoreUnavailable, "", "redis ping failed", err)
	}
	return &RedisStore{client: client, cfg: cfg}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client, used by
// tests against miniredis.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "orch"
	}
	return &RedisStore{client: client, cfg: RedisConfig{KeyPrefix: keyPrefix}}
}

func (s *RedisStore) key(workflowID string) string {
	return fmt.Sprintf("%s:wf:%s", s.cfg.KeyPrefix, workflowID)
}

func (s *RedisStore) cacheKeyRedisKey(cacheKey string) string {
	return fmt.Sprintf("%s:cache:%s", s.cfg.KeyPrefix, cacheKey)
}

func (s *RedisStore) FindCachedOutput(ctx context.Context, cacheKey string) (map[string]any, bool, error) {
	if cacheKey == "" {
		return nil, false, nil
	}
	raw, err := s.client.Get(ctx, s.cacheKeyRedisKey(cacheKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, classifyRedisErr(err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, workflow.NewError(workflow.KindInvalidOutput, "", "unmarshal cached output", err)
	}
	return out, true, nil
}

func (s *RedisStore) Create(ctx context.Context, workflowID, sharedStoragePath string, stageChain []string, inputParams map[string]any) (*workflow.Context, error) {
	c := workflow.NewContext(workflowID, sharedStoragePath, stageChain, inputParams)
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, workflow.NewError(workflow.KindInvalidInput, "", "marshal context", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(workflowID), raw, 0).Result()
	if err != nil {
		return nil, classifyRedisErr(err)
	}
	if !ok {
		return nil, workflow.NewError(workflow.KindAlreadyExists, "", "workflow "+workflowID+" already exists", nil)
	}
	return c, nil
}

func (s *RedisStore) Load(ctx context.Context, workflowID string) (*workflow.Context, error) {
	raw, err := s.client.Get(ctx, s.key(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, workflow.NewError(workflow.KindNotFound, "", "workflow "+workflowID+" not found", nil)
		}
		return nil, classifyRedisErr(err)
	}
	var c workflow.Context
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, workflow.NewError(workflow.KindInvalidOutput, "", "unmarshal context", err)
	}
	return &c, nil
}

// transact performs the WATCH/load/mutate/MULTI-SET pattern shared by
// every mutating operation. mutate receives a live *workflow.Context and
// returns the error classification to surface (nil for success); the
// transaction is attempted up to 3 times in total, with jittered backoff,
// if another worker wins the race on the watched key, matching
// SPEC_FULL.md §7's Conflict policy.
func (s *RedisStore) transact(ctx context.Context, workflowID string, mutate func(*workflow.Context) error) (*workflow.Context, error) {
	return s.transactWithCacheWrite(ctx, workflowID, mutate, nil)
}

// transactWithCacheWrite is transact plus an optional same-pipeline write of
// a stage's output under its cache key, so a cache-hit reader can never
// observe the workflow record as SUCCESS before the cache index exists.
func (s *RedisStore) transactWithCacheWrite(ctx context.Context, workflowID string, mutate func(*workflow.Context) error, cacheWrite func(*workflow.Context) (cacheKey string, output map[string]any)) (*workflow.Context, error) {
	key := s.key(workflowID)
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var result *workflow.Context
		txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return workflow.NewError(workflow.KindNotFound, "", "workflow "+workflowID+" not found", nil)
				}
				return classifyRedisErr(err)
			}
			var c workflow.Context
			if err := json.Unmarshal(raw, &c); err != nil {
				return workflow.NewError(workflow.KindInvalidOutput, "", "unmarshal context", err)
			}
			if err := mutate(&c); err != nil {
				return err
			}
			newRaw, err := json.Marshal(&c)
			if err != nil {
				return workflow.NewError(workflow.KindInvalidInput, "", "marshal context", err)
			}
			var cacheRaw []byte
			var cacheRedisKey string
			if cacheWrite != nil {
				if ck, out := cacheWrite(&c); ck != "" {
					cacheRaw, err = json.Marshal(out)
					if err != nil {
						return workflow.NewError(workflow.KindInvalidInput, "", "marshal cached output", err)
					}
					cacheRedisKey = s.cacheKeyRedisKey(ck)
				}
			}
			_, execErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, newRaw, 0)
				if cacheRedisKey != "" {
					pipe.Set(ctx, cacheRedisKey, cacheRaw, 0)
				}
				return nil
			})
			if execErr != nil {
				return classifyRedisErr(execErr)
			}
			result = &c
			return nil
		}, key)

		if txErr == nil {
			return result, nil
		}
		if errors.Is(txErr, redis.TxFailedErr) {
			lastErr = workflow.NewError(workflow.KindConflict, "", "context CAS conflict", txErr)
			time.Sleep(jitterBackoff(attempt))
			continue
		}
		return nil, txErr
	}
	return nil, lastErr
}

func (s *RedisStore) UpdateStage(ctx context.Context, workflowID string, stageIndex int, mutate func(*workflow.StageRecord) error) (*workflow.Context, error) {
	return s.transact(ctx, workflowID, func(c *workflow.Context) error {
		rec := c.StageAt(stageIndex)
		if rec == nil {
			return workflow.NewError(workflow.KindNotFound, "", "stage index out of range", nil)
		}
		return applyUpdateStage(rec, mutate)
	})
}

func (s *RedisStore) RecordOutput(ctx context.Context, workflowID string, stageIndex int, output map[string]any, duration time.Duration) (*workflow.Context, error) {
	return s.transactWithCacheWrite(ctx, workflowID,
		func(c *workflow.Context) error {
			rec := c.StageAt(stageIndex)
			if rec == nil {
				return workflow.NewError(workflow.KindNotFound, "", "stage index out of range", nil)
			}
			if rec.Status == workflow.StageSucceeded {
				if sameOutput(rec.Output, output) {
					return nil
				}
				return workflow.NewError(workflow.KindConflict, rec.Name, "record_output: conflicting output for already-succeeded stage", nil)
			}
			now := time.Now().UTC()
			rec.Output = cloneMapShallow(output)
			rec.FinishedAt = &now
			rec.Status = workflow.StageSucceeded
			c.UpdatedAt = now
			maybeAdvanceWorkflowStatus(c)
			return nil
		},
		func(c *workflow.Context) (string, map[string]any) {
			rec := c.StageAt(stageIndex)
			if rec == nil || rec.CacheKey == "" {
				return "", nil
			}
			return rec.CacheKey, rec.Output
		},
	)
}

func (s *RedisStore) RecordFailure(ctx context.Context, workflowID string, stageIndex int, failure *workflow.OrchestratorError, isRetryable, optional bool, maxAttempts int) (*workflow.Context, error) {
	return s.transact(ctx, workflowID, func(c *workflow.Context) error {
		rec := c.StageAt(stageIndex)
		if rec == nil {
			return workflow.NewError(workflow.KindNotFound, "", "stage index out of range", nil)
		}
		now := time.Now().UTC()
		rec.Error = failure
		switch {
		case isRetryable && rec.Attempts < maxAttempts:
			rec.Status = workflow.StagePending
		case optional:
			rec.Status = workflow.StageSkipped
			rec.FinishedAt = &now
			maybeAdvanceWorkflowStatus(c)
		default:
			rec.Status = workflow.StageFailed
			rec.FinishedAt = &now
			c.Status = workflow.WorkflowFailed
		}
		c.UpdatedAt = now
		return nil
	})
}

func (s *RedisStore) Cancel(ctx context.Context, workflowID string) (*workflow.Context, error) {
	return s.transact(ctx, workflowID, func(c *workflow.Context) error {
		if c.Status == workflow.WorkflowRunning {
			c.Status = workflow.WorkflowCancelled
			c.UpdatedAt = time.Now().UTC()
		}
		return nil
	})
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func classifyRedisErr(err error) error {
	if err == nil {
		return nil
	}
	return workflow.NewError(workflow.KindStoreUnavailable, "", "redis operation failed", err)
}

// jitterBackoff returns a short, increasing, jittered sleep for Conflict
// retries — capped and small because these are optimistic-lock retries on
// a key already known to be contended, not a network backoff.
func jitterBackoff(attempt int) time.Duration {
	base := time.Duration(attempt) * 10 * time.Millisecond
	if base > 50*time.Millisecond {
		base = 50 * time.Millisecond
	}
	return httpx.JitterSleep(base)
}
