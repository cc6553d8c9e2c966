// Package rename implements the sibling-name migration strategy: each claim
// is copied to a new claim named after the target class and workload
// references are patched to follow it. The original keeps its data and is
// only deleted on request, so no quiescence or ledger is needed.
package rename

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitia-ru/k8s-pvc-migrate/pkg/claims"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/copier"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/patch"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/types"

	log "github.com/sirupsen/logrus"
)

// CopyRunner runs one synchronization between two claims.
type CopyRunner interface {
	Copy(ctx context.Context, namespace, source, dest string, phase copier.Phase) (string, error)
}

// SnapshotRunner probes for and takes volume snapshots.
type SnapshotRunner interface {
	ClassFor(ctx context.Context, storageClass string) (string, error)
	Take(ctx context.Context, namespace, claim, class string) (string, error)
}

// Rewriter repoints workload references from one claim to another.
type Rewriter interface {
	Rewrite(ctx context.Context, namespace, oldName, newName, originClass, targetClass string, exportPods bool) (*patch.Result, error)
}

// Options carry the per-invocation migration parameters.
type Options struct {
	Namespace      string
	OriginClass    string
	TargetClass    string
	PreferSnapshot bool
	// CopyOnly stops after the data copy, leaving workloads untouched.
	CopyOnly   bool
	ExportPods bool
	// DeleteOriginal removes the source claim after a successful migration.
	DeleteOriginal bool
}

// Migrator drives the rename migration.
type Migrator struct {
	claims  *claims.Manager
	copier  CopyRunner
	snaps   SnapshotRunner
	patcher Rewriter
}

func New(cm *claims.Manager, cp CopyRunner, snaps SnapshotRunner, patcher Rewriter) *Migrator {
	return &Migrator{claims: cm, copier: cp, snaps: snaps, patcher: patcher}
}

// NewName derives the renamed claim from the target class. The normalized
// class is appended exactly once, so a claim that already carries the suffix
// maps to itself.
func NewName(claim, targetClass string) string {
	suffix := "-" + normalizeClass(targetClass)
	if strings.HasSuffix(claim, suffix) {
		return claim
	}
	return claim + suffix
}

func normalizeClass(storageClass string) string {
	return strings.ReplaceAll(strings.ToLower(storageClass), "_", "-")
}

// Migrate copies every volume to its renamed sibling on the target class and
// repoints references. Volumes are processed independently; one failure does
// not stop the rest.
func (m *Migrator) Migrate(ctx context.Context, opts Options, volumes []types.VolumeRecord) []types.MigrationResult {
	snapClass := ""
	if opts.PreferSnapshot {
		var err error
		snapClass, err = m.snaps.ClassFor(ctx, opts.OriginClass)
		if err != nil {
			log.Warnf("snapshot class probe failed, migrating via copy: %v", err)
			snapClass = ""
		}
		if snapClass == "" {
			log.Infof("no snapshot class for %s, migrating via copy", opts.OriginClass)
		}
	}

	results := make([]types.MigrationResult, 0, len(volumes))
	for _, vol := range volumes {
		newName := NewName(vol.Name, opts.TargetClass)
		if newName == vol.Name {
			log.Warnf("claim %s already carries the %s suffix, skipping", vol.Name, opts.TargetClass)
			results = append(results, types.MigrationResult{Volume: vol.Name, Detail: "already named for " + opts.TargetClass})
			continue
		}

		snapRef := ""
		if snapClass != "" {
			snap, err := m.snaps.Take(ctx, opts.Namespace, vol.Name, snapClass)
			if err != nil {
				log.Warnf("snapshot of %s failed, migrating via copy: %v", vol.Name, err)
			} else {
				snapRef = snap
			}
		}

		spec := claims.Spec{
			Name:         newName,
			Namespace:    opts.Namespace,
			StorageClass: opts.TargetClass,
			Size:         vol.Size,
			AccessModes:  vol.AccessModes,
			Snapshot:     snapRef,
		}
		if err := m.claims.Ensure(ctx, spec); err != nil {
			results = append(results, types.MigrationResult{Volume: vol.Name, Err: err})
			continue
		}

		if snapRef == "" {
			if _, err := m.copier.Copy(ctx, opts.Namespace, vol.Name, newName, copier.PhaseClone); err != nil {
				results = append(results, types.MigrationResult{
					Volume: vol.Name,
					Err:    fmt.Errorf("copying to %s: %w", newName, err),
				})
				continue
			}
		}

		detail := "copied to " + newName
		if !opts.CopyOnly {
			res, err := m.patcher.Rewrite(ctx, opts.Namespace, vol.Name, newName, opts.OriginClass, opts.TargetClass, opts.ExportPods)
			if err != nil {
				results = append(results, types.MigrationResult{Volume: vol.Name, Err: err})
				continue
			}
			detail = fmt.Sprintf("copied to %s, patched %d controller(s)", newName, len(res.Patched))
			if len(res.Exported) > 0 {
				detail += fmt.Sprintf(", exported %d pod(s)", len(res.Exported))
			}
		}

		if opts.DeleteOriginal {
			if err := m.claims.Delete(ctx, opts.Namespace, vol.Name); err != nil {
				log.Warnf("failed to delete original claim %s: %v", vol.Name, err)
			}
		}

		results = append(results, types.MigrationResult{Volume: vol.Name, Detail: detail})
	}
	return results
}
