package queue

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
	"github.com/99minutos/trip-tracking/internal/pkg/metrics"
)

const (
	defaultWorkers = 8
	channelBuffer  = 256
)

// ErrQueueFull is returned when a worker's backlog is full; the job is dropped.
var ErrQueueFull = errors.New("dispatch queue full")

type job struct {
	role       domain.Role
	transition *domain.Transition
	update     *domain.TrackingUpdate
}

func (j job) tripID() string {
	if j.transition != nil {
		return j.transition.TripID
	}
	return j.update.TripID
}

// Dispatcher routes notifications and archive writes to a fixed set of
// workers using consistent hashing on the trip id, guaranteeing per-trip
// ordering. It implements ports.NotificationDispatcher and
// ports.UpdateRecorder without ever blocking the caller.
type Dispatcher struct {
	workers  []chan job
	notifier ports.Notifier
	archive  ports.UpdateArchive
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with numWorkers sharded workers.
// If numWorkers <= 0, defaultWorkers is used. archive may be nil.
func NewDispatcher(numWorkers int, notifier ports.Notifier, archive ports.UpdateArchive, log zerolog.Logger) *Dispatcher {
	if numWorkers <= 0 {
		numWorkers = defaultWorkers
	}
	d := &Dispatcher{
		workers:  make([]chan job, numWorkers),
		notifier: notifier,
		archive:  archive,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
	for i := range d.workers {
		d.workers[i] = make(chan job, channelBuffer)
	}
	return d
}

// Start launches all worker goroutines. Workers stop when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, ch := range d.workers {
		d.wg.Add(1)
		go d.runWorker(ctx, i, ch)
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch queues a transition for notification.
func (d *Dispatcher) Dispatch(_ context.Context, role domain.Role, t domain.Transition) error {
	return d.enqueue(job{role: role, transition: &t})
}

// Record queues an update for archiving. Without an archive it is a no-op.
func (d *Dispatcher) Record(_ context.Context, u domain.TrackingUpdate) error {
	if d.archive == nil {
		return nil
	}
	return d.enqueue(job{update: &u})
}

func (d *Dispatcher) enqueue(j job) error {
	idx := d.shardIndex(j.tripID())
	select {
	case d.workers[idx] <- j:
		metrics.NotificationQueueDepth.WithLabelValues(strconv.Itoa(idx)).Inc()
		return nil
	default:
		if j.transition != nil {
			metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		}
		return ErrQueueFull
	}
}

// shardIndex maps a trip id deterministically to a worker index.
func (d *Dispatcher) shardIndex(tripID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tripID))
	return int(h.Sum32() % uint32(len(d.workers)))
}

func (d *Dispatcher) runWorker(ctx context.Context, id int, ch <-chan job) {
	defer d.wg.Done()
	depth := metrics.NotificationQueueDepth.WithLabelValues(strconv.Itoa(id))
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-ch:
			depth.Dec()
			d.process(ctx, id, j)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, id int, j job) {
	if j.update != nil {
		if err := d.archive.Save(ctx, *j.update); err != nil {
			d.log.Error().Err(err).
				Str("trip_id", j.update.TripID).
				Uint64("sequence", j.update.Sequence).
				Int("worker_id", id).
				Msg("archive write failed")
		}
		return
	}

	t := j.transition
	if err := d.notifier.Notify(ctx, j.role, *t); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.log.Error().Err(err).
			Str("trip_id", t.TripID).
			Str("status", string(t.To)).
			Int("worker_id", id).
			Msg("notification failed")
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}
