package recalc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DeadLetterSink receives jobs that exhausted their attempts or could not be
// queued.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, job Job) error
}

// LogSink records dead letters in the log only.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// DeadLetter implements DeadLetterSink.
func (s *LogSink) DeadLetter(_ context.Context, job Job) error {
	s.logger.Error("risk recompute dead-lettered",
		zap.String("job_id", job.ID.String()),
		zap.Int64("user_id", job.UserID),
		zap.String("reason", job.Reason),
		zap.Int("attempts", job.Attempts),
		zap.String("error", job.LastError),
	)
	return nil
}

// DefaultDeadLetterKey is the Redis list dead letters are pushed onto.
const DefaultDeadLetterKey = "tradeledger:recalc:dead"

// maxDeadLetters caps the Redis list length.
const maxDeadLetters = 10_000

// RedisSink pushes dead letters as JSON onto a capped Redis list, newest
// first, and logs them.
type RedisSink struct {
	client *redis.Client
	key    string
	log    *LogSink
}

// NewRedisSink creates a RedisSink. An empty key selects DefaultDeadLetterKey.
func NewRedisSink(client *redis.Client, key string, logger *zap.Logger) *RedisSink {
	if key == "" {
		key = DefaultDeadLetterKey
	}
	return &RedisSink{client: client, key: key, log: NewLogSink(logger)}
}

// DeadLetter implements DeadLetterSink.
func (s *RedisSink) DeadLetter(ctx context.Context, job Job) error {
	s.log.DeadLetter(ctx, job) //nolint:errcheck
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, raw)
	pipe.LTrim(ctx, s.key, 0, maxDeadLetters-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// Recent returns up to n dead letters, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]Job, error) {
	if n <= 0 {
		n = 100
	}
	vals, err := s.client.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	jobs := make([]Job, 0, len(vals))
	for _, v := range vals {
		var j Job
		if err := json.Unmarshal([]byte(v), &j); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
