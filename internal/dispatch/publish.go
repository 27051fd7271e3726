package dispatch

import (
	"sync"

	"github.com/serroba/quota-gate/internal/events"
	"go.uber.org/zap"
)

const eventQueueSize = 256

// eventQueue hands throttle events to a background publisher so Wait never
// blocks on the event stream. Events are dropped when the queue is full.
type eventQueue struct {
	publish ThrottlePublisher
	logger  *zap.Logger
	queue   chan *events.Throttled
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newEventQueue(publish ThrottlePublisher, logger *zap.Logger) *eventQueue {
	q := &eventQueue{
		publish: publish,
		logger:  logger,
		queue:   make(chan *events.Throttled, eventQueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go q.run()

	return q
}

func (q *eventQueue) enqueue(event *events.Throttled) {
	select {
	case <-q.stop:
		return
	default:
	}

	select {
	case q.queue <- event:
	default:
		q.logger.Warn("throttle event queue full, dropping event",
			zap.String("outcome", string(event.Outcome)),
		)
	}
}

func (q *eventQueue) run() {
	defer close(q.done)

	for {
		select {
		case event := <-q.queue:
			q.send(event)
		case <-q.stop:
			q.drain()

			return
		}
	}
}

func (q *eventQueue) drain() {
	for {
		select {
		case event := <-q.queue:
			q.send(event)
		default:
			return
		}
	}
}

func (q *eventQueue) send(event *events.Throttled) {
	if err := q.publish(event); err != nil {
		q.logger.Warn("failed to publish throttle event",
			zap.String("outcome", string(event.Outcome)),
			zap.Error(err),
		)
	}
}

// close publishes what is queued and stops the background publisher.
func (q *eventQueue) close() {
	q.once.Do(func() { close(q.stop) })
	<-q.done
}
