// Package claims creates and retires the PersistentVolumeClaims a migration
// moves data between.
package claims

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Minute
)

// Spec describes a claim to create.
type Spec struct {
	Name         string
	Namespace    string
	StorageClass string
	Size         resource.Quantity
	AccessModes  []corev1.PersistentVolumeAccessMode
	// Snapshot optionally names a VolumeSnapshot to provision the claim from.
	Snapshot string
}

// Manager wraps claim create/delete with the tolerance rules the migration
// relies on: creating over an existing claim is fine, deleting a missing one
// is fine.
type Manager struct {
	client kubernetes.Interface

	// Interval and Timeout bound the deletion wait loop.
	Interval time.Duration
	Timeout  time.Duration
}

func New(client kubernetes.Interface) *Manager {
	return &Manager{client: client, Interval: defaultInterval, Timeout: defaultTimeout}
}

// Build renders the claim object for a Spec.
func Build(spec Spec) *corev1.PersistentVolumeClaim {
	modes := spec.AccessModes
	if len(modes) == 0 {
		modes = []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			StorageClassName: ptr.To(spec.StorageClass),
			AccessModes:      modes,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: spec.Size,
				},
			},
		},
	}

	if spec.Snapshot != "" {
		pvc.Spec.DataSource = &corev1.TypedLocalObjectReference{
			APIGroup: ptr.To("snapshot.storage.k8s.io"),
			Kind:     "VolumeSnapshot",
			Name:     spec.Snapshot,
		}
	}
	return pvc
}

// Ensure creates the claim. A claim that already exists under the same name
// is treated as created by an earlier run and reused.
func (m *Manager) Ensure(ctx context.Context, spec Spec) error {
	_, err := m.client.CoreV1().PersistentVolumeClaims(spec.Namespace).Create(ctx, Build(spec), metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		log.Infof("claim %s already exists, skipping creation", spec.Name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating claim %s: %w", spec.Name, err)
	}
	log.Infof("created claim %s in storage class %s (%s)", spec.Name, spec.StorageClass, spec.Size.String())
	return nil
}

// Delete removes the claim. A claim that is already gone is not an error.
func (m *Manager) Delete(ctx context.Context, namespace, name string) error {
	err := m.client.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		log.Debugf("claim %s already gone", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting claim %s: %w", name, err)
	}
	log.Infof("deleted claim %s", name)
	return nil
}

// WaitGone blocks until the claim has fully disappeared. Recreating a name
// while its predecessor is still terminating would bind the new claim to the
// dying volume, so callers must wait before reusing a name.
func (m *Manager) WaitGone(ctx context.Context, namespace, name string) error {
	deadline := time.After(m.Timeout)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out waiting for claim %s to be removed", name)
		case <-ticker.C:
			_, err := m.client.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, name, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("checking claim %s: %w", name, err)
			}
			log.Debugf("claim %s still terminating", name)
		}
	}
}
