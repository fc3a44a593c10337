package queue

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// IndexJob asks the downstream indexer to index one artifact version.
// Indexers dedupe on Key.
type IndexJob struct {
	ArtifactID  string `cbor:"artifact_id" json:"artifact_id"`
	ProjectID   string `cbor:"project_id" json:"project_id"`
	Kind        string `cbor:"kind" json:"kind"`
	LogicalKey  string `cbor:"logical_key" json:"logical_key"`
	Version     int    `cbor:"version" json:"version"`
	ContentHash string `cbor:"content_hash" json:"content_hash"`
	RunID       string `cbor:"run_id,omitempty" json:"run_id,omitempty"`
}

// Key is the idempotency key of the job.
func (j IndexJob) Key() string {
	return fmt.Sprintf("%s@%d", j.ArtifactID, j.Version)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("queue: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("queue: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeIndexJob serializes a job deterministically.
func EncodeIndexJob(j IndexJob) ([]byte, error) {
	return encMode.Marshal(j)
}

func DecodeIndexJob(data []byte) (IndexJob, error) {
	var j IndexJob
	if err := decMode.Unmarshal(data, &j); err != nil {
		return IndexJob{}, fmt.Errorf("decode index job: %w", err)
	}
	return j, nil
}

// Publisher hands index jobs to the indexing queue.
type Publisher interface {
	Publish(ctx context.Context, job IndexJob) error
}

// DefaultIndexStream is the redis stream index jobs are appended to.
const DefaultIndexStream = "runline:artifact-index"

// RedisPublisher appends jobs to a redis stream.
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
}

func NewRedisPublisher(client redis.UniversalClient, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultIndexStream
	}
	return &RedisPublisher{client: client, stream: stream}
}

// DialRedis builds a client from a redis:// URL.
func DialRedis(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

var _ Publisher = (*RedisPublisher)(nil)

func (p *RedisPublisher) Publish(ctx context.Context, job IndexJob) error {
	data, err := EncodeIndexJob(job)
	if err != nil {
		return err
	}
	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"key": job.Key(),
			"job": string(data),
		},
	}).Result()
	return err
}

// MemoryPublisher keeps jobs in process, deduped by Key.
type MemoryPublisher struct {
	mu   sync.Mutex
	seen map[string]bool
	jobs []IndexJob
	// Err, when set, is returned by every Publish.
	Err error
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{seen: map[string]bool{}}
}

var _ Publisher = (*MemoryPublisher)(nil)

func (p *MemoryPublisher) Publish(ctx context.Context, job IndexJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	// round-trip through the wire encoding so tests see what redis would carry
	data, err := EncodeIndexJob(job)
	if err != nil {
		return err
	}
	decoded, err := DecodeIndexJob(data)
	if err != nil {
		return err
	}
	if p.seen[decoded.Key()] {
		return nil
	}
	p.seen[decoded.Key()] = true
	p.jobs = append(p.jobs, decoded)
	return nil
}

// Jobs returns a snapshot of published jobs in publish order.
func (p *MemoryPublisher) Jobs() []IndexJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]IndexJob(nil), p.jobs...)
}
