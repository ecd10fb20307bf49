package publisher

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"time"

	redislib "github.com/redis/go-redis/v9"
)

const (
	defaultPartitions = 3
	pingTimeout       = 5 * time.Second

	// FieldKey and FieldValue are the stream entry fields of a published message.
	FieldKey   = "key"
	FieldValue = "value"
)

var (
	// ErrNilRedisClient is returned when a RedisStreamProducer is created without a client.
	ErrNilRedisClient = errors.New("redis client must not be nil")

	// ErrConnectingRedisFailed is returned when the Redis server cannot be reached.
	ErrConnectingRedisFailed = errors.New("connecting to redis failed")
)

// NewRedisClient parses url, connects and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redislib.Client, error) {
	opts, err := redislib.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrConnectingRedisFailed, err)
	}

	client := redislib.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err = client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrConnectingRedisFailed, err)
	}

	return client, nil
}

// RedisOption configures a RedisStreamProducer.
type RedisOption func(*RedisStreamProducer)

// WithPartitions sets the number of streams per topic.
func WithPartitions(partitions int) RedisOption {
	return func(p *RedisStreamProducer) {
		if partitions > 0 {
			p.partitions = partitions
		}
	}
}

// WithMaxLen trims every stream to about maxLen entries; 0 keeps everything.
func WithMaxLen(maxLen int64) RedisOption {
	return func(p *RedisStreamProducer) {
		p.maxLen = maxLen
	}
}

// RedisStreamProducer is a Producer on Redis Streams. A topic is split into partition streams
// named "<topic>-<n>", and a key always maps to the same partition.
type RedisStreamProducer struct {
	client     redislib.UniversalClient
	partitions int
	maxLen     int64
}

var _ Producer = (*RedisStreamProducer)(nil)

// NewRedisStreamProducer creates a RedisStreamProducer.
func NewRedisStreamProducer(client redislib.UniversalClient, options ...RedisOption) (*RedisStreamProducer, error) {
	if client == nil {
		return nil, ErrNilRedisClient
	}

	p := &RedisStreamProducer{client: client, partitions: defaultPartitions}

	for _, option := range options {
		option(p)
	}

	return p, nil
}

// Publish appends the message to the partition stream of key with XADD.
func (p *RedisStreamProducer) Publish(ctx context.Context, topic string, key string, value []byte) error {
	args := &redislib.XAddArgs{
		Stream: p.StreamFor(topic, key),
		Values: map[string]any{FieldKey: key, FieldValue: value},
	}

	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	return p.client.XAdd(ctx, args).Err()
}

// StreamFor returns the name of the partition stream of key.
func (p *RedisStreamProducer) StreamFor(topic string, key string) string {
	return topic + "-" + strconv.Itoa(PartitionFor(key, p.partitions))
}

// PartitionFor maps key to one of partitions with FNV-1a.
func PartitionFor(key string, partitions int) int {
	if partitions <= 0 {
		return 0
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(key))

	return int(h.Sum32() % uint32(partitions)) //nolint:gosec // partitions is positive
}
