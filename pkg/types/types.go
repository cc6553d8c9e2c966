package types

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// VolumeRecord is a snapshot of a PersistentVolumeClaim taken at discovery
// time. The live object is not re-read during migration.
type VolumeRecord struct {
	Name         string
	Namespace    string
	StorageClass string
	Size         resource.Quantity
	AccessModes  []corev1.PersistentVolumeAccessMode
}

// PivotRecord is one ledger entry: a volume whose data has been staged in a
// temp claim and still has to be recreated under its original name.
type PivotRecord struct {
	OldName     string                              `json:"old_name"`
	TempName    string                              `json:"temp_name"`
	Size        resource.Quantity                   `json:"size"`
	AccessModes []corev1.PersistentVolumeAccessMode `json:"access_modes"`
	SnapshotRef string                              `json:"snapshot_ref,omitempty"`
}

// WorkloadKind identifies a controller type the quiescence pass knows how to stop.
type WorkloadKind string

const (
	KindDeployment  WorkloadKind = "Deployment"
	KindReplicaSet  WorkloadKind = "ReplicaSet"
	KindStatefulSet WorkloadKind = "StatefulSet"
	KindDaemonSet   WorkloadKind = "DaemonSet"
	KindCronJob     WorkloadKind = "CronJob"
	KindJob         WorkloadKind = "Job"
)

// Markers for controllers whose prior state is not a replica count or a flag.
const (
	MarkerPatched = "patched" // daemonset carries the scheduling exclusion
	MarkerDeleted = "deleted" // job was deleted and will not come back
)

// PriorState captures how a controller looked before quiescence. Exactly one
// field is set, depending on the kind.
type PriorState struct {
	Replicas *int32 `json:"replicas,omitempty"`
	Suspend  *bool  `json:"suspend,omitempty"`
	Marker   string `json:"marker,omitempty"`
}

// ScaleRecord ties a quiesced controller to its prior state. The persisted
// scale state maps controller UID to one of these.
type ScaleRecord struct {
	Kind  WorkloadKind `json:"kind"`
	Name  string       `json:"name"`
	Prior PriorState   `json:"prior"`
}

// MigrationResult holds the outcome of migrating a single volume.
type MigrationResult struct {
	Volume string
	Detail string
	Err    error
}
