package odometer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// vehicleLocks hands out one exclusive slot per vehicle. Waiting on one
// vehicle never blocks callers working on another; mu only guards the map.
type vehicleLocks struct {
	mu    sync.Mutex
	locks map[string]*vehicleLock
}

type vehicleLock struct {
	slot chan struct{}
	refs int
}

func newVehicleLocks() *vehicleLocks {
	return &vehicleLocks{locks: make(map[string]*vehicleLock)}
}

// acquire waits up to timeout for the vehicle's slot and returns its release func.
func (l *vehicleLocks) acquire(ctx context.Context, vehicleID string, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[vehicleID]
	if !ok {
		lock = &vehicleLock{slot: make(chan struct{}, 1)}
		l.locks[vehicleID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lock.slot <- struct{}{}:
		return func() {
			<-lock.slot
			l.forget(vehicleID, lock)
		}, nil
	case <-timer.C:
		l.forget(vehicleID, lock)
		return nil, fmt.Errorf("%w: vehicle %s locked for more than %s", ErrConcurrencyTimeout, vehicleID, timeout)
	case <-ctx.Done():
		l.forget(vehicleID, lock)
		return nil, ctx.Err()
	}
}

func (l *vehicleLocks) forget(vehicleID string, lock *vehicleLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, vehicleID)
	}
}

// held returns the number of vehicles with a holder or waiter.
func (l *vehicleLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
