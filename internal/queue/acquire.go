package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AcquireInput describes the request trying to obtain an active slot.
type AcquireInput struct {
	RequestKey string
}

// Lease is a handle to a granted active slot. Callers must call
// Release when the request completes, and may call StartHeartbeat to
// keep the lease alive across a long-running request.
type Lease struct {
	mgr        *Manager
	leaseID    string
	requestKey string

	mu       sync.Mutex
	released bool
	stopHB   chan struct{}
}

// Acquire blocks until requestKey is granted an active slot, the wait
// times out, the context is cancelled, or the request is found to be a
// duplicate of one already active or queued.
func (m *Manager) Acquire(ctx context.Context, input AcquireInput) (*Lease, error) {
	queueID := uuid.NewString()
	deadline := time.Now().Add(m.queueWaitTimeout)

	err := m.withLock(ctx, func(s *State) error {
		if _, active := s.Active[input.RequestKey]; active {
			return &QueueError{Tag: ErrQueueCancelled}
		}
		if indexOfRequestKey(s.Queue, input.RequestKey) >= 0 {
			return &QueueError{Tag: ErrQueueCancelled}
		}
		if len(s.Queue) >= m.queueMaxLength {
			return &QueueError{Tag: ErrQueueFull}
		}
		s.Queue = append(s.Queue, QueueEntry{
			QueueID:    queueID,
			RequestKey: input.RequestKey,
			PID:        os.Getpid(),
			EnqueuedAt: time.Now(),
			DeadlineAt: deadline,
		})
		sortQueueByEnqueue(s.Queue)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(defaultAcquirePollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = m.withLock(context.Background(), func(s *State) error {
				s.Queue = removeByRequestKey(s.Queue, input.RequestKey)
				return nil
			})
			return nil, &QueueError{Tag: ErrQueueAborted}
		case <-ticker.C:
		}

		var (
			grantedLeaseID string
			failTag        string
		)

		err := m.withLock(ctx, func(s *State) error {
			idx := indexOfRequestKey(s.Queue, input.RequestKey)
			if idx < 0 {
				if _, ok := s.Active[input.RequestKey]; ok {
					// Another actor promoted it already; nothing to do,
					// the caller attaches to the existing lease below.
					return nil
				}
				failTag = ErrQueueCancelled
				return nil
			}

			entry := s.Queue[idx]
			if idx == 0 && len(s.Active) < m.maxActiveRequests {
				s.Queue = append(s.Queue[:idx], s.Queue[idx+1:]...)
				leaseID := uuid.NewString()
				s.Active[input.RequestKey] = ActiveLease{
					LeaseID:        leaseID,
					RequestKey:     input.RequestKey,
					PID:            os.Getpid(),
					AcquiredAt:     time.Now(),
					LeaseExpiresAt: time.Now().Add(defaultLeaseTTL),
				}
				grantedLeaseID = leaseID
				return nil
			}

			if time.Now().After(entry.DeadlineAt) {
				s.Queue = removeByRequestKey(s.Queue, input.RequestKey)
				failTag = ErrQueueTimeout
				return nil
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if failTag != "" {
			return nil, &QueueError{Tag: failTag}
		}
		if grantedLeaseID != "" {
			return &Lease{mgr: m, leaseID: grantedLeaseID, requestKey: input.RequestKey}, nil
		}

		// Still queued or already active from a prior iteration; check
		// active directly in case this goroutine's own promotion raced
		// with another poller's view.
		var activeLeaseID string
		_ = m.withLock(ctx, func(s *State) error {
			if lease, ok := s.Active[input.RequestKey]; ok {
				activeLeaseID = lease.LeaseID
			}
			return nil
		})
		if activeLeaseID != "" {
			return &Lease{mgr: m, leaseID: activeLeaseID, requestKey: input.RequestKey}, nil
		}
	}
}

func removeByRequestKey(queue []QueueEntry, requestKey string) []QueueEntry {
	var kept []QueueEntry
	for _, e := range queue {
		if e.RequestKey != requestKey {
			kept = append(kept, e)
		}
	}
	return kept
}

// Release removes the active lease entry under lock. Idempotent.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	if l.stopHB != nil {
		close(l.stopHB)
	}
	l.mu.Unlock()

	return l.mgr.withLock(ctx, func(s *State) error {
		if lease, ok := s.Active[l.requestKey]; ok && lease.LeaseID == l.leaseID {
			delete(s.Active, l.requestKey)
		}
		return nil
	})
}

// StartHeartbeat periodically extends the lease's expiry until Release
// is called or ctx is cancelled.
func (l *Lease) StartHeartbeat(ctx context.Context) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	l.stopHB = stop
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(defaultLeaseHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				_ = l.mgr.withLock(ctx, func(s *State) error {
					lease, ok := s.Active[l.requestKey]
					if !ok || lease.LeaseID != l.leaseID {
						return fmt.Errorf("lease no longer active")
					}
					lease.LeaseExpiresAt = time.Now().Add(defaultLeaseTTL)
					s.Active[l.requestKey] = lease
					return nil
				})
			}
		}
	}()
}
