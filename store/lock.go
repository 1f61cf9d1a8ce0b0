package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// ErrLocked is returned when another holder owns an unexpired lock.
var ErrLocked = xerrors.New("already running")

// Lock is a named lease held in the database, visible to every process sharing the store.
type Lock struct {
	s     *Store
	name  string
	owner string
	ttl   time.Duration
	now   func() time.Time
}

// TryLock takes the named lock for ttl. A lock whose lease expired is taken over.
func (s *Store) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	l := &Lock{s: s, name: name, owner: uuid.NewString(), ttl: ttl, now: time.Now}

	now := l.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO sync_lock (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE sync_lock.expires_at < ?`), name, l.owner, formatTime(now.Add(ttl)), formatTime(now))
	if err != nil {
		return nil, xerrors.Errorf("unable to acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Errorf("unable to acquire lock %s: %w", name, err)
	}
	if n == 0 {
		return nil, xerrors.Errorf("lock %s: %w", name, ErrLocked)
	}
	return l, nil
}

func (l *Lock) Owner() string {
	return l.owner
}

// Refresh extends the lease. It fails when the lease was lost to another holder.
func (l *Lock) Refresh(ctx context.Context) error {
	res, err := l.s.db.ExecContext(ctx, l.s.rebind(`UPDATE sync_lock SET expires_at = ? WHERE name = ? AND owner = ?`),
		formatTime(l.now().Add(l.ttl)), l.name, l.owner)
	if err != nil {
		return xerrors.Errorf("unable to refresh lock %s: %w", l.name, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return xerrors.Errorf("unable to refresh lock %s: %w", l.name, err)
	} else if n == 0 {
		return xerrors.Errorf("lock %s was taken over", l.name)
	}
	return nil
}

func (l *Lock) Release(ctx context.Context) error {
	if _, err := l.s.db.ExecContext(ctx, l.s.rebind(`DELETE FROM sync_lock WHERE name = ? AND owner = ?`),
		l.name, l.owner); err != nil {
		return xerrors.Errorf("unable to release lock %s: %w", l.name, err)
	}
	return nil
}
