package projection

import (
	"context"
	"errors"
	"time"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

// ErrEndOfStream is returned by a finite TagSource when all stored envelopes were read.
var ErrEndOfStream = errors.New("end of event stream")

const (
	defaultPageSize     = 100
	defaultPollInterval = time.Second
)

// changeNotifier is implemented by event stores that can wake up live readers, like memengine.
type changeNotifier interface {
	Changes() <-chan struct{}
}

// SourceOption configures a TagSource.
type SourceOption func(*TagSource)

// WithPageSize sets how many envelopes are read per query.
func WithPageSize(size int) SourceOption {
	return func(s *TagSource) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// WithPollInterval sets how long a live TagSource waits before querying again after an empty page.
func WithPollInterval(interval time.Duration) SourceOption {
	return func(s *TagSource) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// Finite makes the TagSource return ErrEndOfStream instead of waiting for new envelopes.
func Finite() SourceOption {
	return func(s *TagSource) {
		s.finite = true
	}
}

// TagSource is a lazy, ordered, restartable sequence of the envelopes of one tag.
//
// It reads pages from the event store and hands them out one by one. Restarting means creating a new
// TagSource after the last processed offset. A TagSource is not safe for concurrent use.
type TagSource struct {
	reader       EventsByTagReader
	notifier     changeNotifier
	tag          string
	offset       eventstore.Offset
	pageSize     int
	pollInterval time.Duration
	finite       bool
	buffered     eventstore.EventEnvelopes
}

// NewTagSource creates a TagSource for the envelopes of tag after afterOffset.
func NewTagSource(reader EventsByTagReader, tag string, afterOffset eventstore.Offset, options ...SourceOption) *TagSource {
	s := &TagSource{
		reader:       reader,
		tag:          tag,
		offset:       afterOffset,
		pageSize:     defaultPageSize,
		pollInterval: defaultPollInterval,
	}

	if notifier, ok := reader.(changeNotifier); ok {
		s.notifier = notifier
	}

	for _, option := range options {
		option(s)
	}

	return s
}

// Next returns the next envelope.
//
// A live TagSource blocks until an envelope is available or ctx ends. A finite one returns
// ErrEndOfStream when the stored envelopes are exhausted. Read errors are returned as they are,
// calling Next again retries the same page.
func (s *TagSource) Next(ctx context.Context) (eventstore.EventEnvelope, error) {
	for len(s.buffered) == 0 {
		var changed <-chan struct{}
		if s.notifier != nil {
			// taken before the read, so an append right after it is not missed
			changed = s.notifier.Changes()
		}

		page, err := s.reader.EventsByTag(eventstore.WithReadFromReplica(ctx), s.tag, s.offset, s.pageSize)
		if err != nil {
			return eventstore.EventEnvelope{}, err
		}

		if len(page) > 0 {
			s.buffered = page
			break
		}

		if s.finite {
			return eventstore.EventEnvelope{}, ErrEndOfStream
		}

		if err = s.wait(ctx, changed); err != nil {
			return eventstore.EventEnvelope{}, err
		}
	}

	envelope := s.buffered[0]
	s.buffered = s.buffered[1:]
	s.offset = envelope.Offset

	return envelope, nil
}

func (s *TagSource) wait(ctx context.Context, changed <-chan struct{}) error {
	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
	case <-timer.C:
	}

	return nil
}

// Offset returns the offset of the last envelope returned by Next.
func (s *TagSource) Offset() eventstore.Offset {
	return s.offset
}
