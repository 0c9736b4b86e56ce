package weights

import (
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"riskflow/logger"
)

// Registry holds the active weight table for the current processing epoch.
// Rotation swaps the whole table reference atomically: in-flight lookups see
// either the old epoch or the new one in full, never a mix.
type Registry struct {
	path    string
	pinned  string
	active  atomic.Pointer[Table]
	cron    *cron.Cron
	log     *logger.Log
}

// NewRegistry loads the table at path and pins the initial epoch. A load
// failure here is fatal: the caller must refuse to start processing.
func NewRegistry(path, pinnedVersion string) (*Registry, error) {
	table, err := Load(path)
	if err != nil {
		return nil, err
	}
	if pinnedVersion != "" && table.Version() != pinnedVersion {
		return nil, fmt.Errorf("weight table version '%s' does not match configured version '%s'", table.Version(), pinnedVersion)
	}

	r := &Registry{
		path:   path,
		pinned: pinnedVersion,
		log:    logger.GetLogger(),
	}
	r.active.Store(table)

	r.log.WithComponent("weights").WithFields(logger.Fields{
		"version":    table.Version(),
		"currencies": len(table.Currencies()),
		"path":       path,
	}).Info("risk weight table loaded")

	return r, nil
}

// Active returns the table for the current epoch. The returned table is
// immutable; callers should take it once per record so a whole record is
// weighted against a single epoch.
func (r *Registry) Active() *Table {
	return r.active.Load()
}

// Rotate reloads the table file and swaps the epoch. A reload failure keeps
// the previous epoch in place; the decision is logged explicitly rather than
// silently falling back.
func (r *Registry) Rotate() error {
	log := r.log.WithComponent("weights")

	table, err := Load(r.path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"kept_version": r.Active().Version(),
		}).Error("epoch rotation failed, keeping previous weight table")
		return err
	}

	previous := r.active.Swap(table)
	log.WithFields(logger.Fields{
		"previous_version": previous.Version(),
		"version":          table.Version(),
	}).Info("risk weight table rotated")
	return nil
}

// StartRotation schedules epoch rotation with the provided cron expression.
// An empty schedule disables rotation: the startup epoch stays active for
// the lifetime of the process.
func (r *Registry) StartRotation(schedule string) error {
	if schedule == "" {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		// Errors are already logged by Rotate; the previous epoch stays live.
		_ = r.Rotate()
	}); err != nil {
		return fmt.Errorf("invalid weights rotate schedule '%s': %w", schedule, err)
	}
	c.Start()
	r.cron = c

	r.log.WithComponent("weights").WithFields(logger.Fields{"schedule": schedule}).Info("epoch rotation scheduled")
	return nil
}

// StopRotation stops the rotation scheduler, waiting for a running reload.
func (r *Registry) StopRotation() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}
