package notify

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
	"github.com/louisbranch/sessionstream/internal/services/streams/wire"
	"github.com/sirupsen/logrus"
)

// DefaultQueueSize bounds commits waiting to be published.
const DefaultQueueSize = 1024

// SinkConfig configures a CommitSink.
type SinkConfig struct {
	Publisher Publisher
	Exchange  string
	QueueSize int
	Logger    logrus.FieldLogger
	Clock     func() time.Time
}

// CommitSink queues commits from the write path and publishes them from its
// own goroutine. When the queue is full the commit is dropped and counted;
// consumers catch up from the event log.
type CommitSink struct {
	publisher Publisher
	exchange  string
	queue     chan storage.Commit
	logger    logrus.FieldLogger
	clock     func() time.Time
	dropped   atomic.Uint64
	published atomic.Uint64
}

// NewCommitSink builds a sink; call Run to start publishing.
func NewCommitSink(cfg SinkConfig) *CommitSink {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CommitSink{
		publisher: cfg.Publisher,
		exchange:  cfg.Exchange,
		queue:     make(chan storage.Commit, size),
		logger:    logger,
		clock:     clock,
	}
}

// Deliver enqueues commit without blocking.
func (s *CommitSink) Deliver(commit storage.Commit) {
	select {
	case s.queue <- commit:
	default:
		dropped := s.dropped.Add(1)
		s.logger.WithFields(logrus.Fields{
			"session_id": commit.SessionID,
			"marker":     commit.Marker,
			"dropped":    dropped,
		}).Warn("commit queue full, dropping notification")
	}
}

// Run publishes queued commits until ctx is done, then drains what is left.
func (s *CommitSink) Run(ctx context.Context) error {
	for {
		select {
		case commit := <-s.queue:
			s.publish(commit)
		case <-ctx.Done():
			for {
				select {
				case commit := <-s.queue:
					s.publish(commit)
				default:
					return nil
				}
			}
		}
	}
}

// Dropped reports how many commits were discarded on a full queue.
func (s *CommitSink) Dropped() uint64 { return s.dropped.Load() }

// Published reports how many commits reached the broker.
func (s *CommitSink) Published() uint64 { return s.published.Load() }

func (s *CommitSink) publish(commit storage.Commit) {
	body, err := json.Marshal(wire.FromCommit(commit))
	if err != nil {
		s.logger.WithError(err).WithField("session_id", commit.SessionID).Error("encode commit notification")
		return
	}
	msg := Message{
		ID:        commit.SessionID + "/" + commit.Marker,
		SessionID: commit.SessionID,
		Body:      body,
		Timestamp: s.clock().UTC(),
	}
	if err := s.publisher.Publish(s.exchange, msg); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": commit.SessionID,
			"marker":     commit.Marker,
			"exchange":   s.exchange,
		}).Error("publish commit notification")
		return
	}
	s.published.Add(1)
}
