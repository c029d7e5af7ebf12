package store

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hatcher/agentloop/pkg/csync"
	"github.com/hatcher/agentloop/pkg/logs"
	"github.com/hatcher/agentloop/session"
)

const defaultRetention = 10 * time.Minute

// Sweeper periodically persists absorbed sessions and evicts them from
// the registry once they have been quiescent past the retention window.
type Sweeper struct {
	registry  *session.Registry
	store     *Store
	retention time.Duration
	cron      *cron.Cron

	// first time each session was seen in an absorbing state
	absorbedAt *csync.Map[string, time.Time]
}

func NewSweeper(registry *session.Registry, store *Store, retention time.Duration) *Sweeper {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Sweeper{
		registry:   registry,
		store:      store,
		retention:  retention,
		cron:       cron.New(),
		absorbedAt: csync.NewMap[string, time.Time](),
	}
}

// Start schedules the sweep once a minute until Stop.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc("@every 1m", func() { s.Sweep(context.Background()) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep is one pass: snapshot absorbed sessions, evict the stale ones.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()
	for _, d := range s.registry.All() {
		if !d.Status().Absorbing() {
			s.absorbedAt.Del(d.ID)
			continue
		}

		first, seen := s.absorbedAt.Get(d.ID)
		if !seen {
			first = now
			s.absorbedAt.Set(d.ID, first)
			if err := s.store.Save(ctx, d); err != nil {
				logs.Errorf("sweeper: save session %s failed: %v", d.ID, err)
			}
		}

		if now.Sub(first) >= s.retention {
			if err := s.registry.Evict(d.ID); err != nil {
				logs.Warnf("sweeper: evict session %s failed: %v", d.ID, err)
			}
			s.absorbedAt.Del(d.ID)
			logs.Infof("sweeper: evicted session %s", d.ID)
		}
	}
}

// PersistAll snapshots every live session, absorbed or not. Called on
// daemon shutdown so in-flight sessions survive a restart.
func (s *Sweeper) PersistAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(8)
	for _, d := range s.registry.All() {
		g.Go(func() error {
			if err := s.store.Save(ctx, d); err != nil {
				logs.Errorf("sweeper: persist session %s failed: %v", d.ID, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
