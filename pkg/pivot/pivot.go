// Package pivot moves claims to a new storage class without renaming them.
// Phase 1 stages every claim's data in a temp sibling and records it in the
// ledger; phase 2 recreates each claim under its original name on the target
// class and copies the data back. The two phases are separate invocations so
// the destructive step stays under operator control.
package pivot

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitia-ru/k8s-pvc-migrate/pkg/claims"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/copier"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/statestore"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/types"

	log "github.com/sirupsen/logrus"
)

// TempSuffix is appended to a claim's name to form its staging sibling.
const TempSuffix = "-temp"

// CopyRunner runs one synchronization between two claims.
type CopyRunner interface {
	Copy(ctx context.Context, namespace, source, dest string, phase copier.Phase) (string, error)
}

// SnapshotRunner probes for and takes volume snapshots.
type SnapshotRunner interface {
	ClassFor(ctx context.Context, storageClass string) (string, error)
	Take(ctx context.Context, namespace, claim, class string) (string, error)
}

// Options carry the per-invocation migration parameters.
type Options struct {
	Namespace    string
	OriginClass  string
	TargetClass  string
	PreserveTemp bool
	// PreferSnapshot stages data through a volume snapshot when the origin
	// class supports it, falling back to a copy when it does not.
	PreferSnapshot bool
}

// Pivoter drives the two-phase migration.
type Pivoter struct {
	claims *claims.Manager
	copier CopyRunner
	snaps  SnapshotRunner
	ledger *Ledger
}

func New(cm *claims.Manager, cp CopyRunner, snaps SnapshotRunner, ledger *Ledger) *Pivoter {
	return &Pivoter{claims: cm, copier: cp, snaps: snaps, ledger: ledger}
}

// TempName returns the staging sibling name for a claim.
func TempName(claim string) string {
	return claim + TempSuffix
}

// Phase1 stages every volume in a temp claim on the target class and persists
// the ledger. A volume whose staging fails is reported and left out of the
// ledger so phase 2 never pivots incomplete data; rerunning phase 1 picks it
// up again. The ledger is written once after the loop, merging with records
// from earlier runs.
func (p *Pivoter) Phase1(ctx context.Context, opts Options, volumes []types.VolumeRecord) ([]types.MigrationResult, error) {
	records, err := p.ledger.Load(ctx)
	if err != nil && !errors.Is(err, statestore.ErrNotFound) {
		return nil, err
	}

	snapClass := ""
	if opts.PreferSnapshot {
		snapClass, err = p.snaps.ClassFor(ctx, opts.OriginClass)
		if err != nil {
			log.Warnf("snapshot class probe failed, staging via copy: %v", err)
			snapClass = ""
		}
		if snapClass == "" {
			log.Infof("no snapshot class for %s, staging via copy", opts.OriginClass)
		}
	}

	results := make([]types.MigrationResult, 0, len(volumes))
	for _, vol := range volumes {
		rec := types.PivotRecord{
			OldName:     vol.Name,
			TempName:    TempName(vol.Name),
			Size:        vol.Size,
			AccessModes: vol.AccessModes,
		}

		if snapClass != "" {
			snap, err := p.snaps.Take(ctx, opts.Namespace, vol.Name, snapClass)
			if err != nil {
				log.Warnf("snapshot of %s failed, staging via copy: %v", vol.Name, err)
			} else {
				rec.SnapshotRef = snap
			}
		}

		spec := claims.Spec{
			Name:         rec.TempName,
			Namespace:    opts.Namespace,
			StorageClass: opts.TargetClass,
			Size:         rec.Size,
			AccessModes:  rec.AccessModes,
			Snapshot:     rec.SnapshotRef,
		}
		if err := p.claims.Ensure(ctx, spec); err != nil {
			results = append(results, types.MigrationResult{Volume: vol.Name, Err: err})
			continue
		}

		if rec.SnapshotRef == "" {
			if _, err := p.copier.Copy(ctx, opts.Namespace, vol.Name, rec.TempName, copier.PhaseForward); err != nil {
				results = append(results, types.MigrationResult{
					Volume: vol.Name,
					Err:    fmt.Errorf("staging %s: %w", vol.Name, err),
				})
				continue
			}
		}

		records = upsert(records, rec)
		results = append(results, types.MigrationResult{Volume: vol.Name, Detail: "staged in " + rec.TempName})
	}

	if len(records) > 0 {
		if err := p.ledger.Save(ctx, records); err != nil {
			return results, err
		}
		log.Infof("pivot ledger holds %d record(s)", len(records))
	}
	return results, nil
}

// Phase2 recreates each staged volume under its original name on the target
// class. The ledger is rewritten after every successful volume and before its
// temp claim is retired: a crash can strand a leftover temp claim, but never
// a ledger record whose staging data is gone. A missing or empty ledger fails
// before anything is mutated.
func (p *Pivoter) Phase2(ctx context.Context, opts Options) ([]types.MigrationResult, error) {
	records, err := p.ledger.Load(ctx)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, fmt.Errorf("no pivot ledger found: run the staging phase first")
	}
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("pivot ledger is empty: nothing to recreate")
	}

	results := make([]types.MigrationResult, 0, len(records))
	remaining := records
	for _, rec := range records {
		if err := p.recreate(ctx, opts, rec); err != nil {
			log.Warnf("pivot of %s failed: %v", rec.OldName, err)
			results = append(results, types.MigrationResult{Volume: rec.OldName, Err: err})
			continue
		}

		remaining = without(remaining, rec.OldName)
		if err := p.ledger.Save(ctx, remaining); err != nil {
			// Without a durable ledger update the temp claim must stay
			// put, so the whole run stops here.
			return results, err
		}

		if !opts.PreserveTemp {
			if err := p.claims.Delete(ctx, opts.Namespace, rec.TempName); err != nil {
				log.Warnf("failed to delete temp claim %s: %v", rec.TempName, err)
			}
		}
		results = append(results, types.MigrationResult{Volume: rec.OldName, Detail: "recreated from " + rec.TempName})
	}

	if len(remaining) == 0 {
		if err := p.ledger.Clear(ctx); err != nil {
			return results, err
		}
		log.Infof("all volumes pivoted, ledger cleared")
	}
	return results, nil
}

// recreate replaces one claim with a same-named sibling on the target class.
// Every step tolerates the leftovers of an interrupted earlier run.
func (p *Pivoter) recreate(ctx context.Context, opts Options, rec types.PivotRecord) error {
	if err := p.claims.Delete(ctx, opts.Namespace, rec.OldName); err != nil {
		return err
	}
	if err := p.claims.WaitGone(ctx, opts.Namespace, rec.OldName); err != nil {
		return err
	}

	spec := claims.Spec{
		Name:         rec.OldName,
		Namespace:    opts.Namespace,
		StorageClass: opts.TargetClass,
		Size:         rec.Size,
		AccessModes:  rec.AccessModes,
		Snapshot:     rec.SnapshotRef,
	}
	if err := p.claims.Ensure(ctx, spec); err != nil {
		return err
	}

	if rec.SnapshotRef == "" {
		if _, err := p.copier.Copy(ctx, opts.Namespace, rec.TempName, rec.OldName, copier.PhaseReturn); err != nil {
			return fmt.Errorf("copying back from %s: %w", rec.TempName, err)
		}
	}
	return nil
}

func upsert(records []types.PivotRecord, rec types.PivotRecord) []types.PivotRecord {
	for i := range records {
		if records[i].OldName == rec.OldName {
			records[i] = rec
			return records
		}
	}
	return append(records, rec)
}

func without(records []types.PivotRecord, oldName string) []types.PivotRecord {
	out := make([]types.PivotRecord, 0, len(records))
	for _, rec := range records {
		if rec.OldName != oldName {
			out = append(out, rec)
		}
	}
	return out
}
