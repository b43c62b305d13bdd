// Package reconcile merges extracted records with the instances already in storage.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/models"
)

var (
	// ErrReconciliation wraps every failure to match a record against storage.
	ErrReconciliation = errors.New("reconciliation failed")

	// ErrHashNotFound is returned when an update targets a linking hash with no instance.
	ErrHashNotFound = errors.New("update for non-existent hash")

	// ErrHashNotUnique is returned when more than one instance shares a linking hash.
	ErrHashNotUnique = errors.New("multiple instances for hash")
)

// Outcome describes what storage did with a record.
type Outcome int

const (
	// Persisted means a new instance was stored.
	Persisted Outcome = iota
	// Duplicate means an instance with the same linking hash was already stored.
	Duplicate
	// Merged means an update was appended to its stored instance.
	Merged
)

// String returns the label of the outcome.
func (o Outcome) String() string {
	switch o {
	case Persisted:
		return "persisted"
	case Duplicate:
		return "duplicate"
	case Merged:
		return "merged"
	default:
		return "unknown"
	}
}

// MergeFunc turns the instances stored under a linking hash into the instance to write back.
type MergeFunc func(found []*models.Instance) (*models.Instance, error)

// Store persists records.
type Store interface {
	// Persist stores a full record. It returns false when the linking hash is already stored.
	Persist(ctx context.Context, m models.Message) (bool, error)
	// ApplyUpdate locks the instances stored under linkingHash, calls merge with them
	// and writes the returned instance back, all in one transaction.
	ApplyUpdate(ctx context.Context, linkingHash string, merge MergeFunc) error
}

// Reconciler routes extracted records to storage.
type Reconciler struct {
	store Store
}

// New returns a Reconciler writing to store.
func New(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// Apply validates m and hands it to storage. Full records pass through unchanged;
// updates are merged into their stored instance.
func (r Reconciler) Apply(ctx context.Context, m models.Message) (Outcome, error) {
	if err := models.Validate(m); err != nil {
		return 0, err
	}

	if u, ok := m.(*models.UpdateRecord); ok {
		err := r.store.ApplyUpdate(ctx, u.LinkingHash, func(found []*models.Instance) (*models.Instance, error) {
			return Merge(u, found)
		})
		if err != nil {
			return 0, err
		}
		slog.Debug("Merged jar update", "linking_hash", u.LinkingHash, "jars", len(u.Jars))
		return Merged, nil
	}

	inserted, err := r.store.Persist(ctx, m)
	if err != nil {
		return 0, err
	}
	if !inserted {
		return Duplicate, nil
	}
	return Persisted, nil
}

// Merge appends the jars of update to the single instance in found.
// It fails when found does not hold exactly one instance.
func Merge(update *models.UpdateRecord, found []*models.Instance) (*models.Instance, error) {
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %w: %s", ErrReconciliation, ErrHashNotFound, update.LinkingHash)
	case 1:
	default:
		slog.Error("Data integrity violation", "linking_hash", update.LinkingHash, "instances", len(found))
		return nil, fmt.Errorf("%w: %w: %s (%d instances)", ErrReconciliation, ErrHashNotUnique, update.LinkingHash, len(found))
	}

	inst := found[0]
	if inst.JarHashes == nil {
		inst.JarHashes = models.NewJarSet()
	}
	inst.JarHashes.Append(update.Jars...)
	return inst, nil
}
