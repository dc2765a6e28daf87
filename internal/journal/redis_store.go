package journal

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/offload/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>job:<id>              => gob-encoded redisJobPayload
//	<prefix>idx:all               => SET of all job IDs
//	<prefix>idx:handler:<name>    => SET of job IDs for a given handler
//	<prefix>idx:status:<status>   => SET of job IDs for a given status
//
// Index updates are best-effort; ListJobs re-checks the decoded payload
// against the filter so stale index entries cannot leak wrong results.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

type redisJobPayload struct {
	ID          string
	Handler     string
	Status      string
	Payload     []byte
	Output      []byte
	Error       string
	EnqueuedAt  int64
	StartedAt   int64
	CompletedAt int64
	Attempts    int
}

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "offload:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "offload:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyJob(id string) string {
	return s.prefix + "job:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyHandler(name string) string {
	return s.prefix + "idx:handler:" + name
}

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

var allStatuses = []api.Status{
	api.StatusPending,
	api.StatusRunning,
	api.StatusCompleted,
	api.StatusFailed,
	api.StatusCancelled,
}

func encodeRedisJob(job *api.Job) ([]byte, error) {
	payloadBytes, err := EncodeValue(job.Payload)
	if err != nil {
		return nil, err
	}
	outputBytes, err := EncodeValue(job.Output)
	if err != nil {
		return nil, err
	}

	errStr := ""
	if job.Err != nil {
		errStr = job.Err.Error()
	}

	payload := redisJobPayload{
		ID:          job.ID,
		Handler:     job.Handler,
		Status:      string(job.Status),
		Payload:     payloadBytes,
		Output:      outputBytes,
		Error:       errStr,
		EnqueuedAt:  nanoOrZero(job.EnqueuedAt),
		StartedAt:   nanoOrZero(job.StartedAt),
		CompletedAt: nanoOrZero(job.CompletedAt),
		Attempts:    job.Attempts,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisJob(data []byte) (*api.Job, error) {
	if len(data) == 0 {
		return nil, api.ErrJobNotFound
	}
	var payload redisJobPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	payloadVal, err := DecodeValue[any](payload.Payload)
	if err != nil {
		return nil, err
	}
	outputVal, err := DecodeValue[any](payload.Output)
	if err != nil {
		return nil, err
	}

	job := &api.Job{
		ID:          payload.ID,
		Handler:     payload.Handler,
		Status:      api.Status(payload.Status),
		Payload:     payloadVal,
		Output:      outputVal,
		EnqueuedAt:  timeOrZero(payload.EnqueuedAt),
		StartedAt:   timeOrZero(payload.StartedAt),
		CompletedAt: timeOrZero(payload.CompletedAt),
		Attempts:    payload.Attempts,
	}
	if payload.Error != "" {
		job.Err = errors.New(payload.Error)
	}

	return job, nil
}

func (s *RedisStore) write(job *api.Job) error {
	ctx := context.Background()

	data, err := encodeRedisJob(job)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.keyJob(job.ID), data, 0).Err(); err != nil {
		return err
	}

	// Index maintenance: drop the ID from every other status set before
	// adding it to the current one, so status filters stay usable.
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), job.ID)
	pipe.SAdd(ctx, s.keyHandler(job.Handler), job.ID)
	for _, st := range allStatuses {
		if st == job.Status {
			pipe.SAdd(ctx, s.keyStatus(st), job.ID)
		} else {
			pipe.SRem(ctx, s.keyStatus(st), job.ID)
		}
	}
	_, _ = pipe.Exec(ctx)

	return nil
}

func (s *RedisStore) SaveJob(job *api.Job) error {
	return s.write(job)
}

func (s *RedisStore) UpdateJob(job *api.Job) error {
	ctx := context.Background()

	n, err := s.client.Exists(ctx, s.keyJob(job.ID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrJobNotFound
	}
	return s.write(job)
}

func (s *RedisStore) GetJob(id string) (*api.Job, error) {
	ctx := context.Background()

	data, err := s.client.Get(ctx, s.keyJob(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrJobNotFound
		}
		return nil, err
	}
	return decodeRedisJob(data)
}

func (s *RedisStore) ListJobs(filter Filter) ([]*api.Job, error) {
	ctx := context.Background()

	var ids []string
	var err error

	switch {
	case filter.Handler != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx,
			s.keyHandler(filter.Handler),
			s.keyStatus(filter.Status),
		).Result()
	case filter.Handler != "":
		ids, err = s.client.SMembers(ctx, s.keyHandler(filter.Handler)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.Job{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.Job{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyJob(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var jobs []*api.Job
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		job, err := decodeRedisJob(data)
		if err != nil {
			return nil, err
		}
		// Guard against stale index entries.
		if filter.Handler != "" && job.Handler != filter.Handler {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (s *RedisStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return false, err
	}
	if job.Status != api.StatusPending {
		return false, nil
	}

	job.Status = api.StatusCancelled
	job.Err = api.ErrJobCancelled
	if err := s.write(job); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) RecoverRunning(ctx context.Context, msg string) (int, error) {
	ids, err := s.client.SMembers(ctx, s.keyStatus(api.StatusRunning)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for _, id := range ids {
		job, err := s.GetJob(id)
		if err != nil {
			if errors.Is(err, api.ErrJobNotFound) {
				continue
			}
			return count, err
		}
		if job.Status != api.StatusRunning {
			continue
		}
		job.Status = api.StatusFailed
		job.Err = errors.New(msg)
		if err := s.write(job); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
