package claims

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"
)

func testSpec() Spec {
	return Spec{
		Name:         "data-pvc-temp",
		Namespace:    "default",
		StorageClass: "fast-ssd",
		Size:         resource.MustParse("10Gi"),
		AccessModes:  []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
	}
}

func TestBuild(t *testing.T) {
	pvc := Build(testSpec())

	if pvc.Name != "data-pvc-temp" {
		t.Errorf("Name = %q, want %q", pvc.Name, "data-pvc-temp")
	}
	if *pvc.Spec.StorageClassName != "fast-ssd" {
		t.Errorf("StorageClassName = %q, want %q", *pvc.Spec.StorageClassName, "fast-ssd")
	}
	got := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
	if got.String() != "10Gi" {
		t.Errorf("storage request = %s, want 10Gi", got.String())
	}
	if pvc.Spec.DataSource != nil {
		t.Error("DataSource should be nil without a snapshot")
	}
}

func TestBuild_DefaultAccessMode(t *testing.T) {
	spec := testSpec()
	spec.AccessModes = nil

	pvc := Build(spec)
	if len(pvc.Spec.AccessModes) != 1 || pvc.Spec.AccessModes[0] != corev1.ReadWriteOnce {
		t.Errorf("AccessModes = %v, want [ReadWriteOnce]", pvc.Spec.AccessModes)
	}
}

func TestBuild_SnapshotSource(t *testing.T) {
	spec := testSpec()
	spec.Snapshot = "data-pvc-snap"

	pvc := Build(spec)
	ds := pvc.Spec.DataSource
	if ds == nil {
		t.Fatal("DataSource is nil")
	}
	if ds.Kind != "VolumeSnapshot" {
		t.Errorf("DataSource.Kind = %q, want VolumeSnapshot", ds.Kind)
	}
	if ds.Name != "data-pvc-snap" {
		t.Errorf("DataSource.Name = %q, want %q", ds.Name, "data-pvc-snap")
	}
	if ds.APIGroup == nil || *ds.APIGroup != "snapshot.storage.k8s.io" {
		t.Errorf("DataSource.APIGroup = %v, want snapshot.storage.k8s.io", ds.APIGroup)
	}
}

func TestEnsure_Creates(t *testing.T) {
	client := fake.NewSimpleClientset()
	m := New(client)

	if err := m.Ensure(context.Background(), testSpec()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}

	got, err := client.CoreV1().PersistentVolumeClaims("default").Get(context.Background(), "data-pvc-temp", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get claim: %v", err)
	}
	if *got.Spec.StorageClassName != "fast-ssd" {
		t.Errorf("StorageClassName = %q, want %q", *got.Spec.StorageClassName, "fast-ssd")
	}
}

func TestEnsure_AlreadyExists(t *testing.T) {
	existing := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "data-pvc-temp", Namespace: "default"},
		Spec: corev1.PersistentVolumeClaimSpec{
			StorageClassName: ptr.To("fast-ssd"),
		},
	}
	client := fake.NewSimpleClientset(existing)
	m := New(client)

	if err := m.Ensure(context.Background(), testSpec()); err != nil {
		t.Fatalf("Ensure() on existing claim should succeed, got: %v", err)
	}
}

func TestDelete_Missing(t *testing.T) {
	client := fake.NewSimpleClientset()
	m := New(client)

	if err := m.Delete(context.Background(), "default", "no-such-claim"); err != nil {
		t.Errorf("Delete() on absent claim = %v, want nil", err)
	}
}

func TestDelete_Existing(t *testing.T) {
	existing := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "data-pvc", Namespace: "default"},
	}
	client := fake.NewSimpleClientset(existing)
	m := New(client)

	if err := m.Delete(context.Background(), "default", "data-pvc"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	_, err := client.CoreV1().PersistentVolumeClaims("default").Get(context.Background(), "data-pvc", metav1.GetOptions{})
	if err == nil {
		t.Error("claim should be gone after Delete")
	}
}

func TestWaitGone_ReturnsOnceAbsent(t *testing.T) {
	client := fake.NewSimpleClientset()
	m := New(client)
	m.Interval = time.Millisecond
	m.Timeout = time.Second

	if err := m.WaitGone(context.Background(), "default", "data-pvc"); err != nil {
		t.Errorf("WaitGone() on absent claim = %v, want nil", err)
	}
}

func TestWaitGone_TimesOut(t *testing.T) {
	existing := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "stuck-pvc", Namespace: "default"},
	}
	client := fake.NewSimpleClientset(existing)
	m := New(client)
	m.Interval = time.Millisecond
	m.Timeout = 20 * time.Millisecond

	err := m.WaitGone(context.Background(), "default", "stuck-pvc")
	if err == nil {
		t.Error("WaitGone() should time out while the claim persists")
	}
}
