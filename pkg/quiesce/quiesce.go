// Package quiesce stops the workloads that keep a namespace's volumes busy
// and brings them back afterwards. Prior state is persisted before the first
// mutation so an interrupted run can still restore everything.
package quiesce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bitia-ru/k8s-pvc-migrate/pkg/discovery"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/statestore"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/types"

	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
)

const (
	// PauseKey is added to a daemonset's nodeSelector to unschedule it from
	// every node. No node carries this label.
	PauseKey   = "migration-paused"
	PauseValue = "true"

	// StateKey is the store key the scale state is saved under.
	StateKey = "workload-scale"

	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Minute
)

// Quiescer scans a namespace for workloads mounting the migrated claims,
// stops them, and restores them from the persisted prior state.
type Quiescer struct {
	client kubernetes.Interface
	store  statestore.Store

	// Interval and Timeout bound the wait for pods to drain after scale-down.
	Interval time.Duration
	Timeout  time.Duration
}

func New(client kubernetes.Interface, store statestore.Store) *Quiescer {
	return &Quiescer{
		client:   client,
		store:    store,
		Interval: defaultInterval,
		Timeout:  defaultTimeout,
	}
}

// Scan finds every workload in the namespace that mounts one of the claims
// and records how it would have to be stopped. It performs no mutations; the
// result keys controller UIDs to their prior state.
func (q *Quiescer) Scan(ctx context.Context, namespace string, claims map[string]bool) (map[string]types.ScaleRecord, error) {
	records := make(map[string]types.ScaleRecord)

	deps, err := q.client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	for i := range deps.Items {
		d := &deps.Items[i]
		if !discovery.MountsAny(&d.Spec.Template.Spec, claims) {
			continue
		}
		if replicaCount(d.Spec.Replicas) == 0 {
			log.Debugf("deployment %s already at 0 replicas, skipping", d.Name)
			continue
		}
		records[string(d.UID)] = types.ScaleRecord{
			Kind:  types.KindDeployment,
			Name:  d.Name,
			Prior: types.PriorState{Replicas: ptr.To(replicaCount(d.Spec.Replicas))},
		}
	}

	rss, err := q.client.AppsV1().ReplicaSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing replicasets: %w", err)
	}
	for i := range rss.Items {
		rs := &rss.Items[i]
		if !discovery.MountsAny(&rs.Spec.Template.Spec, claims) {
			continue
		}
		// Replicasets managed by a deployment are handled through their
		// owner. Scaling one directly just fights the controller.
		if owner := metav1.GetControllerOf(rs); owner != nil && owner.Kind == "Deployment" {
			log.Debugf("replicaset %s is owned by deployment %s, skipping", rs.Name, owner.Name)
			continue
		}
		if replicaCount(rs.Spec.Replicas) == 0 {
			log.Debugf("replicaset %s already at 0 replicas, skipping", rs.Name)
			continue
		}
		records[string(rs.UID)] = types.ScaleRecord{
			Kind:  types.KindReplicaSet,
			Name:  rs.Name,
			Prior: types.PriorState{Replicas: ptr.To(replicaCount(rs.Spec.Replicas))},
		}
	}

	stss, err := q.client.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing statefulsets: %w", err)
	}
	for i := range stss.Items {
		sts := &stss.Items[i]
		if !discovery.MountsAny(&sts.Spec.Template.Spec, claims) && !discovery.TemplateOwnsAny(sts, claims) {
			continue
		}
		if replicaCount(sts.Spec.Replicas) == 0 {
			log.Debugf("statefulset %s already at 0 replicas, skipping", sts.Name)
			continue
		}
		records[string(sts.UID)] = types.ScaleRecord{
			Kind:  types.KindStatefulSet,
			Name:  sts.Name,
			Prior: types.PriorState{Replicas: ptr.To(replicaCount(sts.Spec.Replicas))},
		}
	}

	dss, err := q.client.AppsV1().DaemonSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing daemonsets: %w", err)
	}
	for i := range dss.Items {
		ds := &dss.Items[i]
		if !discovery.MountsAny(&ds.Spec.Template.Spec, claims) {
			continue
		}
		if ds.Spec.Template.Spec.NodeSelector[PauseKey] == PauseValue {
			log.Debugf("daemonset %s already paused, skipping", ds.Name)
			continue
		}
		records[string(ds.UID)] = types.ScaleRecord{
			Kind:  types.KindDaemonSet,
			Name:  ds.Name,
			Prior: types.PriorState{Marker: types.MarkerPatched},
		}
	}

	cjs, err := q.client.BatchV1().CronJobs(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing cronjobs: %w", err)
	}
	for i := range cjs.Items {
		cj := &cjs.Items[i]
		if !discovery.MountsAny(&cj.Spec.JobTemplate.Spec.Template.Spec, claims) {
			continue
		}
		suspended := cj.Spec.Suspend != nil && *cj.Spec.Suspend
		if suspended {
			log.Debugf("cronjob %s already suspended, skipping", cj.Name)
			continue
		}
		records[string(cj.UID)] = types.ScaleRecord{
			Kind:  types.KindCronJob,
			Name:  cj.Name,
			Prior: types.PriorState{Suspend: ptr.To(false)},
		}
	}

	jobs, err := q.client.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	for i := range jobs.Items {
		job := &jobs.Items[i]
		if !discovery.MountsAny(&job.Spec.Template.Spec, claims) {
			continue
		}
		if job.Status.CompletionTime != nil {
			log.Debugf("job %s already completed, skipping", job.Name)
			continue
		}
		// A running job holds the claim open even when a cronjob spawned
		// it, so owned jobs are deleted like standalone ones.
		records[string(job.UID)] = types.ScaleRecord{
			Kind:  types.KindJob,
			Name:  job.Name,
			Prior: types.PriorState{Marker: types.MarkerDeleted},
		}
	}

	log.Debugf("found %d workload(s) to quiesce in namespace %q", len(records), namespace)
	return records, nil
}

// ScaleDown persists the scan result and then stops every recorded workload.
// The state is written before the first mutation so a crash mid-way still
// leaves enough behind to restore. State from an earlier interrupted run is
// merged in, keeping its prior values: a rescan cannot see a stopped
// workload's old replica count, so the first capture wins. Individual
// failures are reported and skipped; the remaining workloads are still
// stopped.
func (q *Quiescer) ScaleDown(ctx context.Context, namespace string, records map[string]types.ScaleRecord) error {
	if len(records) == 0 {
		return nil
	}

	merged, err := q.Saved(ctx)
	if err != nil && !errors.Is(err, statestore.ErrNotFound) {
		return err
	}
	if merged == nil {
		merged = make(map[string]types.ScaleRecord, len(records))
	}
	for uid, rec := range records {
		if _, ok := merged[uid]; !ok {
			merged[uid] = rec
		}
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding scale state: %w", err)
	}
	if err := q.store.Save(ctx, StateKey, data); err != nil {
		return fmt.Errorf("saving scale state: %w", err)
	}

	for _, rec := range Sorted(records) {
		if err := q.stopOne(ctx, namespace, rec); err != nil {
			log.Warnf("failed to stop %s %s: %v", rec.Kind, rec.Name, err)
			continue
		}
		log.Infof("stopped %s %s", rec.Kind, rec.Name)
	}

	q.waitDrained(ctx, namespace, records)
	return nil
}

// Restore brings every recorded workload back to its prior state and clears
// the persisted record on full success. Failures keep the state around so a
// later run can retry.
func (q *Quiescer) Restore(ctx context.Context, namespace string) error {
	records, err := q.Saved(ctx)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			log.Infof("no scale state found, nothing to restore")
			return nil
		}
		return err
	}

	var firstErr error
	for _, rec := range Sorted(records) {
		if err := q.restoreOne(ctx, namespace, rec); err != nil {
			log.Warnf("failed to restore %s %s: %v", rec.Kind, rec.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}

	if err := q.store.Clear(ctx, StateKey); err != nil {
		return fmt.Errorf("clearing scale state: %w", err)
	}
	return nil
}

// Saved loads the persisted scale state. It returns statestore.ErrNotFound
// when no state has been saved.
func (q *Quiescer) Saved(ctx context.Context) (map[string]types.ScaleRecord, error) {
	data, err := q.store.Load(ctx, StateKey)
	if err != nil {
		return nil, err
	}
	var records map[string]types.ScaleRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding scale state: %w", err)
	}
	return records, nil
}

func (q *Quiescer) stopOne(ctx context.Context, namespace string, rec types.ScaleRecord) error {
	switch rec.Kind {
	case types.KindDeployment:
		d, err := q.client.AppsV1().Deployments(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		d.Spec.Replicas = ptr.To(int32(0))
		_, err = q.client.AppsV1().Deployments(namespace).Update(ctx, d, metav1.UpdateOptions{})
		return err

	case types.KindReplicaSet:
		rs, err := q.client.AppsV1().ReplicaSets(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		rs.Spec.Replicas = ptr.To(int32(0))
		_, err = q.client.AppsV1().ReplicaSets(namespace).Update(ctx, rs, metav1.UpdateOptions{})
		return err

	case types.KindStatefulSet:
		sts, err := q.client.AppsV1().StatefulSets(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		sts.Spec.Replicas = ptr.To(int32(0))
		_, err = q.client.AppsV1().StatefulSets(namespace).Update(ctx, sts, metav1.UpdateOptions{})
		return err

	case types.KindDaemonSet:
		ds, err := q.client.AppsV1().DaemonSets(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if ds.Spec.Template.Spec.NodeSelector == nil {
			ds.Spec.Template.Spec.NodeSelector = map[string]string{}
		}
		ds.Spec.Template.Spec.NodeSelector[PauseKey] = PauseValue
		_, err = q.client.AppsV1().DaemonSets(namespace).Update(ctx, ds, metav1.UpdateOptions{})
		return err

	case types.KindCronJob:
		cj, err := q.client.BatchV1().CronJobs(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		cj.Spec.Suspend = ptr.To(true)
		_, err = q.client.BatchV1().CronJobs(namespace).Update(ctx, cj, metav1.UpdateOptions{})
		return err

	case types.KindJob:
		// Background propagation takes the job's pods down with it.
		return q.client.BatchV1().Jobs(namespace).Delete(ctx, rec.Name, metav1.DeleteOptions{
			PropagationPolicy: ptr.To(metav1.DeletePropagationBackground),
		})

	default:
		return fmt.Errorf("unsupported workload kind: %s", rec.Kind)
	}
}

func (q *Quiescer) restoreOne(ctx context.Context, namespace string, rec types.ScaleRecord) error {
	switch rec.Kind {
	case types.KindDeployment:
		d, err := q.client.AppsV1().Deployments(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				log.Infof("deployment %s is gone, skipping restore", rec.Name)
				return nil
			}
			return err
		}
		d.Spec.Replicas = rec.Prior.Replicas
		if _, err := q.client.AppsV1().Deployments(namespace).Update(ctx, d, metav1.UpdateOptions{}); err != nil {
			return err
		}
		log.Infof("restored deployment %s to %d replicas", rec.Name, replicaCount(rec.Prior.Replicas))
		return nil

	case types.KindReplicaSet:
		rs, err := q.client.AppsV1().ReplicaSets(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				log.Infof("replicaset %s is gone, skipping restore", rec.Name)
				return nil
			}
			return err
		}
		rs.Spec.Replicas = rec.Prior.Replicas
		if _, err := q.client.AppsV1().ReplicaSets(namespace).Update(ctx, rs, metav1.UpdateOptions{}); err != nil {
			return err
		}
		log.Infof("restored replicaset %s to %d replicas", rec.Name, replicaCount(rec.Prior.Replicas))
		return nil

	case types.KindStatefulSet:
		sts, err := q.client.AppsV1().StatefulSets(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				log.Infof("statefulset %s is gone, skipping restore", rec.Name)
				return nil
			}
			return err
		}
		sts.Spec.Replicas = rec.Prior.Replicas
		if _, err := q.client.AppsV1().StatefulSets(namespace).Update(ctx, sts, metav1.UpdateOptions{}); err != nil {
			return err
		}
		log.Infof("restored statefulset %s to %d replicas", rec.Name, replicaCount(rec.Prior.Replicas))
		return nil

	case types.KindDaemonSet:
		ds, err := q.client.AppsV1().DaemonSets(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				log.Infof("daemonset %s is gone, skipping restore", rec.Name)
				return nil
			}
			return err
		}
		// Only the pause key is removed. Any selector the daemonset had
		// before the migration stays in place.
		delete(ds.Spec.Template.Spec.NodeSelector, PauseKey)
		if _, err := q.client.AppsV1().DaemonSets(namespace).Update(ctx, ds, metav1.UpdateOptions{}); err != nil {
			return err
		}
		log.Infof("restored daemonset %s scheduling", rec.Name)
		return nil

	case types.KindCronJob:
		cj, err := q.client.BatchV1().CronJobs(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				log.Infof("cronjob %s is gone, skipping restore", rec.Name)
				return nil
			}
			return err
		}
		cj.Spec.Suspend = rec.Prior.Suspend
		if _, err := q.client.BatchV1().CronJobs(namespace).Update(ctx, cj, metav1.UpdateOptions{}); err != nil {
			return err
		}
		log.Infof("restored cronjob %s suspend state", rec.Name)
		return nil

	case types.KindJob:
		log.Infof("job %s was deleted and will not be restored", rec.Name)
		return nil

	default:
		return fmt.Errorf("unsupported workload kind: %s", rec.Kind)
	}
}

// waitDrained polls until no pods of the scaled workloads remain. A timeout
// is only a warning: copy pods mount the claims read-write-once anyway and
// would block on attach, not corrupt data.
func (q *Quiescer) waitDrained(ctx context.Context, namespace string, records map[string]types.ScaleRecord) {
	pending := make(map[string]types.ScaleRecord)
	for uid, rec := range records {
		switch rec.Kind {
		case types.KindDeployment, types.KindReplicaSet, types.KindStatefulSet:
			pending[uid] = rec
		}
	}
	if len(pending) == 0 {
		return
	}

	deadline := time.After(q.Timeout)
	ticker := time.NewTicker(q.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Warnf("wait for pods to terminate interrupted: %v", ctx.Err())
			return
		case <-deadline:
			log.Warnf("timed out waiting for %d workload(s) to drain", len(pending))
			return
		case <-ticker.C:
			for uid, rec := range pending {
				remaining, err := q.activeReplicas(ctx, namespace, rec)
				if err != nil {
					if apierrors.IsNotFound(err) {
						delete(pending, uid)
						continue
					}
					log.Warnf("checking %s %s: %v", rec.Kind, rec.Name, err)
					continue
				}
				log.Debugf("%s %s: %d replica(s) remaining", rec.Kind, rec.Name, remaining)
				if remaining == 0 {
					delete(pending, uid)
				}
			}
			if len(pending) == 0 {
				log.Infof("all workloads drained")
				return
			}
		}
	}
}

func (q *Quiescer) activeReplicas(ctx context.Context, namespace string, rec types.ScaleRecord) (int32, error) {
	switch rec.Kind {
	case types.KindDeployment:
		d, err := q.client.AppsV1().Deployments(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			return 0, err
		}
		return d.Status.Replicas, nil
	case types.KindReplicaSet:
		rs, err := q.client.AppsV1().ReplicaSets(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			return 0, err
		}
		return rs.Status.Replicas, nil
	case types.KindStatefulSet:
		sts, err := q.client.AppsV1().StatefulSets(namespace).Get(ctx, rec.Name, metav1.GetOptions{})
		if err != nil {
			return 0, err
		}
		return sts.Status.Replicas, nil
	default:
		return 0, nil
	}
}

// kindRank fixes the stop order: replica-count kinds first, then the
// suspend/unschedule kinds, then run-once jobs.
var kindRank = map[types.WorkloadKind]int{
	types.KindDeployment:  0,
	types.KindReplicaSet:  1,
	types.KindStatefulSet: 2,
	types.KindDaemonSet:   3,
	types.KindCronJob:     4,
	types.KindJob:         5,
}

// Sorted orders records by kind priority then name so mutations and reports
// come out in a stable order across runs.
func Sorted(records map[string]types.ScaleRecord) []types.ScaleRecord {
	out := make([]types.ScaleRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return kindRank[out[i].Kind] < kindRank[out[j].Kind]
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func replicaCount(replicas *int32) int32 {
	if replicas == nil {
		return 1
	}
	return *replicas
}
