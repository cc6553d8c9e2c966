package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitia-ru/k8s-pvc-migrate/pkg/types"

	log "github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Discoverer finds the claims affected by a storage class migration.
type Discoverer struct {
	client kubernetes.Interface
}

func New(client kubernetes.Interface) *Discoverer {
	return &Discoverer{client: client}
}

// Volumes lists every PVC in the namespace bound to the given storage class.
// A claim with no storage class set never matches. The returned records are
// point-in-time snapshots and are not re-validated later.
func (d *Discoverer) Volumes(ctx context.Context, namespace, storageClass string) ([]types.VolumeRecord, error) {
	list, err := d.client.CoreV1().PersistentVolumeClaims(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing claims in %q: %w", namespace, err)
	}

	var volumes []types.VolumeRecord
	for i := range list.Items {
		pvc := &list.Items[i]
		if pvc.Spec.StorageClassName == nil || *pvc.Spec.StorageClassName != storageClass {
			continue
		}
		volumes = append(volumes, volumeRecord(pvc))
	}

	log.Debugf("found %d claim(s) in storage class %q in namespace %q", len(volumes), storageClass, namespace)
	return volumes, nil
}

func volumeRecord(pvc *corev1.PersistentVolumeClaim) types.VolumeRecord {
	return types.VolumeRecord{
		Name:         pvc.Name,
		Namespace:    pvc.Namespace,
		StorageClass: *pvc.Spec.StorageClassName,
		Size:         pvc.Spec.Resources.Requests[corev1.ResourceStorage],
		AccessModes:  pvc.Spec.AccessModes,
	}
}

// MountsAny reports whether the pod spec mounts one of the named claims.
func MountsAny(spec *corev1.PodSpec, claims map[string]bool) bool {
	for _, vol := range spec.Volumes {
		if vol.PersistentVolumeClaim != nil && claims[vol.PersistentVolumeClaim.ClaimName] {
			return true
		}
	}
	return false
}

// TemplateOwnsAny reports whether one of the named claims was stamped out by
// a volumeClaimTemplate of the statefulset. Generated claims follow the
// <template>-<statefulset>-<ordinal> naming convention.
func TemplateOwnsAny(sts *appsv1.StatefulSet, claims map[string]bool) bool {
	for claim := range claims {
		for _, tpl := range sts.Spec.VolumeClaimTemplates {
			prefix := tpl.Name + "-" + sts.Name + "-"
			if strings.HasPrefix(claim, prefix) && isOrdinal(claim[len(prefix):]) {
				return true
			}
		}
	}
	return false
}

func isOrdinal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
