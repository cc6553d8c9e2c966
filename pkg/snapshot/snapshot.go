// Package snapshot probes for CSI volume snapshot support and takes
// point-in-time snapshots of claims, letting the migration skip the data
// copy when the storage driver can clone instead.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
)

// The snapshot API ships as a CRD, so it is reached through the dynamic
// client rather than a typed clientset.
var (
	classGVR = schema.GroupVersionResource{Group: "snapshot.storage.k8s.io", Version: "v1", Resource: "volumesnapshotclasses"}
	snapGVR  = schema.GroupVersionResource{Group: "snapshot.storage.k8s.io", Version: "v1", Resource: "volumesnapshots"}
)

// Snapshotter creates VolumeSnapshots and waits for them to become usable.
type Snapshotter struct {
	client dynamic.Interface

	// Interval and Timeout bound the readiness poll.
	Interval time.Duration
	Timeout  time.Duration
}

func New(client dynamic.Interface) *Snapshotter {
	return &Snapshotter{client: client, Interval: 2 * time.Second, Timeout: 5 * time.Minute}
}

// ClassFor returns the name of a snapshot class that can snapshot claims of
// the given storage class, or "" when none qualifies. A class qualifies when
// its deletion policy is Delete and its driver name contains the storage
// class name. A cluster without the snapshot CRDs simply yields "".
func (s *Snapshotter) ClassFor(ctx context.Context, storageClass string) (string, error) {
	list, err := s.client.Resource(classGVR).List(ctx, metav1.ListOptions{})
	if apierrors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("listing snapshot classes: %w", err)
	}

	for i := range list.Items {
		item := &list.Items[i]
		policy, _, _ := unstructured.NestedString(item.Object, "deletionPolicy")
		driver, _, _ := unstructured.NestedString(item.Object, "driver")
		if policy == "Delete" && strings.Contains(driver, storageClass) {
			log.Debugf("snapshot class %s matches storage class %s (driver %s)", item.GetName(), storageClass, driver)
			return item.GetName(), nil
		}
	}
	return "", nil
}

// Take snapshots the claim with the given snapshot class and blocks until the
// snapshot reports ready. The snapshot is named <claim>-snap; one left over
// from an earlier run is reused.
func (s *Snapshotter) Take(ctx context.Context, namespace, claim, class string) (string, error) {
	name := claim + "-snap"

	snap := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "snapshot.storage.k8s.io/v1",
		"kind":       "VolumeSnapshot",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": namespace,
		},
		"spec": map[string]interface{}{
			"volumeSnapshotClassName": class,
			"source": map[string]interface{}{
				"persistentVolumeClaimName": claim,
			},
		},
	}}

	_, err := s.client.Resource(snapGVR).Namespace(namespace).Create(ctx, snap, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		log.Infof("snapshot %s already exists, reusing it", name)
	} else if err != nil {
		return "", fmt.Errorf("creating snapshot %s: %w", name, err)
	} else {
		log.Infof("created snapshot %s of claim %s", name, claim)
	}

	if err := s.waitReady(ctx, namespace, name); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Snapshotter) waitReady(ctx context.Context, namespace, name string) error {
	deadline := time.After(s.Timeout)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out waiting for snapshot %s to become ready", name)
		case <-ticker.C:
			snap, err := s.client.Resource(snapGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return fmt.Errorf("checking snapshot %s: %w", name, err)
			}
			ready, _, _ := unstructured.NestedBool(snap.Object, "status", "readyToUse")
			if ready {
				return nil
			}
			log.Debugf("snapshot %s not ready yet", name)
		}
	}
}
