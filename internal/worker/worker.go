// Package worker runs asynchronous completions: jobs are queued in Redis,
// executed through the router, and their results stored under a TTL for the
// caller to poll (or pushed to a callback URL).
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/GEJFY/inference-gateway/internal/provider"
	"github.com/GEJFY/inference-gateway/internal/router"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

var ErrJobNotFound = errors.New("job not found")

type Job struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	Request     *router.Request    `json:"request"`
	CallbackURL string             `json:"callback_url,omitempty"`
	Status      JobStatus          `json:"status"`
	Response    *provider.Response `json:"response,omitempty"`
	Error       string             `json:"error,omitempty"`
	ErrorCode   string             `json:"error_code,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
}

const (
	queueKey   = "jobs:pending"
	jobKeyFmt  = "job:%s"
	jobTTL     = 24 * time.Hour
	jobTimeout = 5 * time.Minute
)

// RedisQueue is a single-consumer list queue. One Run loop per process is
// enough; jobs are router calls, which fan out concurrently upstream anyway.
type RedisQueue struct {
	rdb    *redis.Client
	router *router.Router
	http   *http.Client
}

func NewRedisQueue(rdb *redis.Client, rt *router.Router) *RedisQueue {
	return &RedisQueue{
		rdb:    rdb,
		router: rt,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = JobStatusPending
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt

	if err := q.save(ctx, job); err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, queueKey, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, fmt.Sprintf(jobKeyFmt, id)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) save(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.rdb.Set(ctx, fmt.Sprintf(jobKeyFmt, job.ID), raw, jobTTL).Err(); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// Run consumes jobs until ctx is cancelled.
func (q *RedisQueue) Run(ctx context.Context) {
	log.Println("worker: job loop started")
	for {
		if ctx.Err() != nil {
			log.Println("worker: job loop stopped")
			return
		}

		res, err := q.rdb.BRPop(ctx, 5*time.Second, queueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				log.Println("worker: job loop stopped")
				return
			}
			log.Printf("worker: queue read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		// BRPop returns [key, value]
		if len(res) != 2 {
			continue
		}
		q.process(ctx, res[1])
	}
}

func (q *RedisQueue) process(ctx context.Context, id string) {
	job, err := q.Get(ctx, id)
	if err != nil {
		log.Printf("worker: job %s: %v", id, err)
		return
	}

	job.Status = JobStatusRunning
	job.UpdatedAt = time.Now().UTC()
	if err := q.save(ctx, job); err != nil {
		log.Printf("worker: job %s: %v", job.ID, err)
	}

	callCtx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	resp, err := q.router.Complete(callCtx, job.Request)
	cancel()

	job.UpdatedAt = time.Now().UTC()
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
		job.ErrorCode = provider.CodeOf(err)
	} else {
		job.Status = JobStatusDone
		job.Response = resp
	}
	if err := q.save(ctx, job); err != nil {
		log.Printf("worker: job %s: %v", job.ID, err)
		return
	}

	if job.CallbackURL != "" {
		q.notify(ctx, job)
	}
}

// notify POSTs the finished job to its callback URL; failures are logged,
// the result stays pollable either way.
func (q *RedisQueue) notify(ctx context.Context, job *Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		log.Printf("worker: job %s: encoding callback: %v", job.ID, err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		log.Printf("worker: job %s: building callback: %v", job.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.http.Do(req)
	if err != nil {
		log.Printf("worker: job %s: callback failed: %v", job.ID, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("worker: job %s: callback returned status %d", job.ID, resp.StatusCode)
	}
}
