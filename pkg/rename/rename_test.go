package rename

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bitia-ru/k8s-pvc-migrate/pkg/claims"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/copier"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/patch"
	"github.com/bitia-ru/k8s-pvc-migrate/pkg/types"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"
)

type fakeCopier struct {
	calls []string // "source->dest"
	fail  map[string]bool
}

func (f *fakeCopier) Copy(ctx context.Context, namespace, source, dest string, phase copier.Phase) (string, error) {
	f.calls = append(f.calls, source+"->"+dest)
	if f.fail[source] {
		return "", copier.ErrCopyFailed
	}
	return copier.PodName(phase, source), nil
}

type fakeSnapshotter struct {
	class string
	taken []string
}

func (f *fakeSnapshotter) ClassFor(ctx context.Context, storageClass string) (string, error) {
	return f.class, nil
}

func (f *fakeSnapshotter) Take(ctx context.Context, namespace, claim, class string) (string, error) {
	f.taken = append(f.taken, claim)
	return claim + "-snap", nil
}

type fakeRewriter struct {
	calls int
}

func (f *fakeRewriter) Rewrite(ctx context.Context, namespace, oldName, newName, originClass, targetClass string, exportPods bool) (*patch.Result, error) {
	f.calls++
	return &patch.Result{Patched: []string{"Deployment/web"}}, nil
}

func newTestMigrator(t *testing.T, client kubernetes.Interface, cp CopyRunner, snaps SnapshotRunner, patcher Rewriter) *Migrator {
	t.Helper()
	cm := claims.New(client)
	cm.Interval = time.Millisecond
	cm.Timeout = 50 * time.Millisecond
	return New(cm, cp, snaps, patcher)
}

func testOptions() Options {
	return Options{Namespace: "default", OriginClass: "local-path", TargetClass: "longhorn"}
}

func testVolume(name string) types.VolumeRecord {
	return types.VolumeRecord{
		Name:         name,
		Namespace:    "default",
		StorageClass: "local-path",
		Size:         resource.MustParse("5Gi"),
		AccessModes:  []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
	}
}

func TestNewName(t *testing.T) {
	tests := []struct {
		claim       string
		targetClass string
		want        string
	}{
		{"data-pvc", "longhorn", "data-pvc-longhorn"},
		{"data-pvc-longhorn", "longhorn", "data-pvc-longhorn"},
		{"data", "Local_Path", "data-local-path"},
		{"db", "fast-ssd", "db-fast-ssd"},
	}
	for _, tt := range tests {
		if got := NewName(tt.claim, tt.targetClass); got != tt.want {
			t.Errorf("NewName(%q, %q) = %q, want %q", tt.claim, tt.targetClass, got, tt.want)
		}
	}
}

func TestMigrate_CopiesAndPatches(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Volumes: []corev1.Volume{{
						Name: "data",
						VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: "data-pvc"},
						},
					}},
				},
			},
		},
	}
	client := fake.NewSimpleClientset(dep)
	fc := &fakeCopier{}
	m := newTestMigrator(t, client, fc, &fakeSnapshotter{}, patch.New(client))

	results := m.Migrate(context.Background(), testOptions(), []types.VolumeRecord{testVolume("data-pvc")})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results = %+v, want one success", results)
	}
	if !strings.Contains(results[0].Detail, "patched 1 controller") {
		t.Errorf("detail = %q, want patched controller count", results[0].Detail)
	}

	renamed, err := client.CoreV1().PersistentVolumeClaims("default").Get(context.Background(), "data-pvc-longhorn", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get renamed claim: %v", err)
	}
	if *renamed.Spec.StorageClassName != "longhorn" {
		t.Errorf("renamed storage class = %q, want longhorn", *renamed.Spec.StorageClassName)
	}

	if len(fc.calls) != 1 || fc.calls[0] != "data-pvc->data-pvc-longhorn" {
		t.Errorf("copy calls = %v, want data-pvc->data-pvc-longhorn", fc.calls)
	}

	got, _ := client.AppsV1().Deployments("default").Get(context.Background(), "web", metav1.GetOptions{})
	if claim := got.Spec.Template.Spec.Volumes[0].PersistentVolumeClaim.ClaimName; claim != "data-pvc-longhorn" {
		t.Errorf("deployment claimName = %q, want data-pvc-longhorn", claim)
	}
}

func TestMigrate_CopyOnlySkipsPatching(t *testing.T) {
	client := fake.NewSimpleClientset()
	fr := &fakeRewriter{}
	m := newTestMigrator(t, client, &fakeCopier{}, &fakeSnapshotter{}, fr)

	opts := testOptions()
	opts.CopyOnly = true
	results := m.Migrate(context.Background(), opts, []types.VolumeRecord{testVolume("data-pvc")})
	if results[0].Err != nil {
		t.Fatalf("result error: %v", results[0].Err)
	}
	if fr.calls != 0 {
		t.Errorf("rewriter called %d time(s), want 0", fr.calls)
	}
}

func TestMigrate_DeleteOriginal(t *testing.T) {
	original := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "data-pvc", Namespace: "default"},
		Spec: corev1.PersistentVolumeClaimSpec{
			StorageClassName: ptr.To("local-path"),
		},
	}
	client := fake.NewSimpleClientset(original)
	m := newTestMigrator(t, client, &fakeCopier{}, &fakeSnapshotter{}, &fakeRewriter{})

	opts := testOptions()
	opts.DeleteOriginal = true
	results := m.Migrate(context.Background(), opts, []types.VolumeRecord{testVolume("data-pvc")})
	if results[0].Err != nil {
		t.Fatalf("result error: %v", results[0].Err)
	}

	if _, err := client.CoreV1().PersistentVolumeClaims("default").Get(context.Background(), "data-pvc", metav1.GetOptions{}); err == nil {
		t.Error("original claim should be deleted")
	}
}

func TestMigrate_SkipsAlreadySuffixedClaim(t *testing.T) {
	client := fake.NewSimpleClientset()
	fc := &fakeCopier{}
	m := newTestMigrator(t, client, fc, &fakeSnapshotter{}, &fakeRewriter{})

	results := m.Migrate(context.Background(), testOptions(), []types.VolumeRecord{testVolume("data-pvc-longhorn")})
	if results[0].Err != nil {
		t.Fatalf("result error: %v", results[0].Err)
	}
	if len(fc.calls) != 0 {
		t.Errorf("copy calls = %v, want none", fc.calls)
	}
	list, _ := client.CoreV1().PersistentVolumeClaims("default").List(context.Background(), metav1.ListOptions{})
	if len(list.Items) != 0 {
		t.Errorf("got %d claim(s), want none created", len(list.Items))
	}
}

func TestMigrate_SnapshotPath(t *testing.T) {
	client := fake.NewSimpleClientset()
	fc := &fakeCopier{}
	fs := &fakeSnapshotter{class: "local-path-snapclass"}
	m := newTestMigrator(t, client, fc, fs, &fakeRewriter{})

	opts := testOptions()
	opts.PreferSnapshot = true
	results := m.Migrate(context.Background(), opts, []types.VolumeRecord{testVolume("data-pvc")})
	if results[0].Err != nil {
		t.Fatalf("result error: %v", results[0].Err)
	}

	if len(fc.calls) != 0 {
		t.Errorf("copy should not run on the snapshot path, got %v", fc.calls)
	}
	renamed, err := client.CoreV1().PersistentVolumeClaims("default").Get(context.Background(), "data-pvc-longhorn", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get renamed claim: %v", err)
	}
	if renamed.Spec.DataSource == nil || renamed.Spec.DataSource.Name != "data-pvc-snap" {
		t.Errorf("dataSource = %+v, want data-pvc-snap", renamed.Spec.DataSource)
	}
}

func TestMigrate_CopyFailureIsolated(t *testing.T) {
	client := fake.NewSimpleClientset()
	fc := &fakeCopier{fail: map[string]bool{"bad-pvc": true}}
	m := newTestMigrator(t, client, fc, &fakeSnapshotter{}, &fakeRewriter{})

	volumes := []types.VolumeRecord{testVolume("bad-pvc"), testVolume("good-pvc")}
	results := m.Migrate(context.Background(), testOptions(), volumes)

	var failed, ok int
	for _, r := range results {
		if r.Err != nil {
			failed++
		} else {
			ok++
		}
	}
	if failed != 1 || ok != 1 {
		t.Errorf("got %d failed / %d ok, want 1 / 1", failed, ok)
	}
}
