// Package migration holds the pieces of live migration state VFIO
// containers report into: the migration status and first error, the
// registry of reasons a VM cannot migrate, and the RAM dirty log.
package migration

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrMigrationActive is returned when adding a blocker while a migration
// is already under way.
var ErrMigrationActive = errors.New("migration in progress")

// Status is the phase of the current migration.
type Status int

const (
	StatusNone Status = iota
	StatusSetup
	StatusActive
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusSetup:
		return "setup"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}

	return fmt.Sprintf("Status(%d)", int(s))
}

// Blocker is a registered reason preventing migration.
type Blocker struct {
	Reason string
}

// State is the migration status of one VM.
type State struct {
	mu       sync.Mutex
	status   Status
	err      error
	blockers []*Blocker
	log      *logrus.Entry
}

// NewState returns an idle migration state.
func NewState() *State {
	return &State{log: logrus.WithField("subsystem", "migration")}
}

// SetStatus moves the migration to st. Leaving setup or active for none
// clears a recorded error.
func (s *State) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st == StatusNone {
		s.err = nil
	}

	s.status = st
}

// Status returns the current phase.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// IsSetupOrActive reports whether a migration is running.
func (s *State) IsSetupOrActive() bool {
	st := s.Status()

	return st == StatusSetup || st == StatusActive
}

// AddBlocker registers reason. It fails while a migration is running.
func (s *State) AddBlocker(reason string) (*Blocker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusSetup || s.status == StatusActive {
		return nil, fmt.Errorf("%s: %w", reason, ErrMigrationActive)
	}

	b := &Blocker{Reason: reason}
	s.blockers = append(s.blockers, b)

	s.log.WithField("reason", reason).Debug("migration blocker added")

	return b, nil
}

// DelBlocker removes b. Removing nil or an unknown blocker does nothing.
func (s *State) DelBlocker(b *Blocker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, x := range s.blockers {
		if x == b {
			s.blockers = append(s.blockers[:i], s.blockers[i+1:]...)
			s.log.WithField("reason", b.Reason).Debug("migration blocker removed")

			return
		}
	}
}

// Blockers returns the reasons currently preventing migration.
func (s *State) Blockers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	reasons := make([]string, 0, len(s.blockers))
	for _, b := range s.blockers {
		reasons = append(reasons, b.Reason)
	}

	return reasons
}

// SetError records err as the reason the running migration must fail.
// Only the first error is kept and nothing is recorded when no migration
// runs.
func (s *State) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusSetup && s.status != StatusActive {
		return
	}

	if s.err == nil {
		s.err = err
		s.log.WithError(err).Error("migration error")
	}
}

// Err returns the recorded error.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}
