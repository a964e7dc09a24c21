package wsdevice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

// freshFixAge is how old a pushed fix may be and still answer CurrentFix.
const freshFixAge = 5 * time.Second

// Device is the location platform of one driver app. It outlives individual
// websocket connections: watchers and the last fix survive a reconnect, and
// an active watch is re-sent to the new connection.
type Device struct {
	driverID string
	log      zerolog.Logger
	now      func() time.Time

	mu          sync.Mutex
	client      *client
	permission  ports.PermissionStatus
	lastFix     *domain.Coordinate
	lastFixAt   time.Time
	watchers    map[uint64]func(domain.Coordinate)
	watchOpts   ports.StreamOptions
	nextWatcher uint64
	fixWaiters  []chan domain.Coordinate
	pending     map[string]chan bool
}

func newDevice(driverID string, log zerolog.Logger) *Device {
	return &Device{
		driverID: driverID,
		log:      log.With().Str("driver_id", driverID).Logger(),
		now:      time.Now,
		watchers: make(map[uint64]func(domain.Coordinate)),
		pending:  make(map[string]chan bool),
	}
}

// Connected reports whether the driver app currently holds a connection.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client != nil
}

// attach makes c the live connection, closing any previous one.
func (d *Device) attach(c *client) {
	d.mu.Lock()
	prev := d.client
	d.client = c
	rewatch := len(d.watchers) > 0
	opts := d.watchOpts
	d.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	if rewatch {
		c.enqueue(newWatchRequest(opts))
	}
}

// detach drops c if it is still the live connection. Pending permission
// requests fail; watchers stay registered for the next connection.
func (d *Device) detach(c *client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != c {
		return
	}
	d.client = nil
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
}

func (d *Device) handle(msg inbound) {
	switch msg.Type {
	case typeLocation:
		d.onFix(msg.coordinate(d.now().UTC()))
	case typePermission:
		d.mu.Lock()
		d.permission = ports.PermissionStatus{Granted: msg.Granted, CanRequestBackground: msg.CanRequestBackground}
		d.mu.Unlock()
	case typePermissionResult:
		d.mu.Lock()
		ch, ok := d.pending[msg.RequestID]
		delete(d.pending, msg.RequestID)
		if msg.Granted {
			d.permission.Granted = true
		}
		d.mu.Unlock()
		if ok {
			ch <- msg.Granted
		}
	default:
		d.log.Warn().Str("type", msg.Type).Msg("unknown device message")
	}
}

func (d *Device) onFix(fix domain.Coordinate) {
	d.mu.Lock()
	d.lastFix = &fix
	d.lastFixAt = d.now()
	waiters := d.fixWaiters
	d.fixWaiters = nil
	callbacks := make([]func(domain.Coordinate), 0, len(d.watchers))
	for _, cb := range d.watchers {
		callbacks = append(callbacks, cb)
	}
	d.mu.Unlock()

	for _, w := range waiters {
		w <- fix
	}
	for _, cb := range callbacks {
		cb(fix)
	}
}

func (d *Device) send(msg any) error {
	d.mu.Lock()
	c := d.client
	d.mu.Unlock()
	if c == nil {
		return domain.ErrDeviceNotConnected
	}
	if !c.enqueue(msg) {
		return domain.ErrDeviceNotConnected
	}
	return nil
}

// QueryPermission returns the status last reported by the app.
func (d *Device) QueryPermission(ctx context.Context) (ports.PermissionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil && !d.permission.Granted {
		return ports.PermissionStatus{}, domain.ErrDeviceNotConnected
	}
	return d.permission, nil
}

// RequestPermission prompts the driver and waits for the answer.
func (d *Device) RequestPermission(ctx context.Context, scope ports.PermissionScope) (bool, error) {
	id := uuid.NewString()
	ch := make(chan bool, 1)

	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()

	if err := d.send(permissionRequest{Type: typePermissionRequest, RequestID: id, Scope: scope}); err != nil {
		d.dropPending(id)
		return false, err
	}

	select {
	case granted, ok := <-ch:
		if !ok {
			return false, fmt.Errorf("permission request: %w", domain.ErrDeviceNotConnected)
		}
		return granted, nil
	case <-ctx.Done():
		d.dropPending(id)
		return false, ctx.Err()
	}
}

func (d *Device) dropPending(id string) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// CurrentFix answers from a fresh pushed fix, otherwise asks the app for one.
func (d *Device) CurrentFix(ctx context.Context) (domain.Coordinate, error) {
	ch := make(chan domain.Coordinate, 1)

	d.mu.Lock()
	if d.lastFix != nil && d.now().Sub(d.lastFixAt) <= freshFixAge {
		fix := *d.lastFix
		d.mu.Unlock()
		return fix, nil
	}
	d.fixWaiters = append(d.fixWaiters, ch)
	d.mu.Unlock()

	if err := d.send(signal{Type: typeFixRequest}); err != nil {
		d.log.Debug().Err(err).Msg("fix request not sent, waiting for pushed fix")
	}

	select {
	case fix := <-ch:
		return fix, nil
	case <-ctx.Done():
		d.dropWaiter(ch)
		return domain.Coordinate{}, ctx.Err()
	}
}

func (d *Device) dropWaiter(ch chan domain.Coordinate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range d.fixWaiters {
		if w == ch {
			d.fixWaiters = append(d.fixWaiters[:i], d.fixWaiters[i+1:]...)
			return
		}
	}
}

// Watch registers onFix for every pushed fix. The first watcher starts the
// app's continuous updates and the last stop ends them.
func (d *Device) Watch(ctx context.Context, opts ports.StreamOptions, onFix func(domain.Coordinate)) (func(), error) {
	d.mu.Lock()
	id := d.nextWatcher
	d.nextWatcher++
	first := len(d.watchers) == 0
	d.watchers[id] = onFix
	d.watchOpts = opts
	d.mu.Unlock()

	if first {
		if err := d.send(newWatchRequest(opts)); err != nil {
			d.log.Debug().Err(err).Msg("watch deferred until device reconnects")
		}
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.watchers, id)
			last := len(d.watchers) == 0
			d.mu.Unlock()
			if last {
				_ = d.send(signal{Type: typeUnwatch})
			}
		})
	}
	return stop, nil
}
