package systemdb

import (
	"sync"
	"time"

	"github.com/dbos-go/dbos/pkg/observability"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// pgNotifier wakes Recv pollers the moment a notifications row lands,
// via the pg_notify trigger installed by the schema migration. The payload
// is "destination_uuid:topic", matching the key waiters subscribe under.
// Purely an optimisation: the poll loop's fallback timer still fires, so a
// dropped notification costs latency, not correctness.
type pgNotifier struct {
	listener *pq.Listener
	logger   observability.Logger

	mu      sync.Mutex
	waiters map[string][]chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newPGNotifier(dsn string, logger observability.Logger) (*pgNotifier, error) {
	n := &pgNotifier{
		logger:  logger,
		waiters: make(map[string][]chan struct{}),
		stopCh:  make(chan struct{}),
	}
	n.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("notification listener event", map[string]interface{}{"event": int(ev), "error": err.Error()})
		}
	})
	if err := n.listener.Listen(notificationChannel); err != nil {
		_ = n.listener.Close()
		return nil, errors.Wrap(err, "listen on notification channel")
	}
	go n.run()
	return n, nil
}

func (n *pgNotifier) run() {
	for {
		select {
		case notice, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			if notice == nil {
				// Reconnect marker: waiters re-poll on their fallback timer.
				continue
			}
			n.wake(notice.Extra)
		case <-n.stopCh:
			return
		}
	}
}

func (n *pgNotifier) wake(key string) {
	n.mu.Lock()
	chans := n.waiters[key]
	delete(n.waiters, key)
	n.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// subscribe registers interest in key before the caller's next poll, so a
// notification arriving between poll and wait is not missed.
func (n *pgNotifier) subscribe(key string) chan struct{} {
	ch := make(chan struct{})
	n.mu.Lock()
	n.waiters[key] = append(n.waiters[key], ch)
	n.mu.Unlock()
	return ch
}

func (n *pgNotifier) unsubscribe(key string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	chans := n.waiters[key]
	for i, c := range chans {
		if c == ch {
			n.waiters[key] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(n.waiters[key]) == 0 {
		delete(n.waiters, key)
	}
}

func (n *pgNotifier) close() error {
	n.stopOnce.Do(func() { close(n.stopCh) })
	return n.listener.Close()
}
