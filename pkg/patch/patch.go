// Package patch rewires workloads from a migrated claim to its replacement.
// Controllers are updated in place; standalone pods cannot be edited, so they
// are exported as manifests with a recreate script.
package patch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitia-ru/k8s-pvc-migrate/pkg/discovery"

	log "github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"
)

const scriptName = "post-migrate.sh"

// Patcher updates claim references across the workloads of a namespace.
type Patcher struct {
	client kubernetes.Interface

	// ManifestDir receives exported pod manifests and the recreate script.
	ManifestDir string
	// DryRun reports what would change without updating anything.
	DryRun bool
}

func New(client kubernetes.Interface) *Patcher {
	return &Patcher{client: client, ManifestDir: "manifests"}
}

// Result lists what a rewrite pass changed.
type Result struct {
	Patched  []string // controllers whose pod template now references the new claim
	Exported []string // standalone pods written to the manifest directory
}

// Rewrite points every reference to oldName at newName. Deployments,
// statefulsets and daemonsets are updated through the API; statefulset
// volumeClaimTemplates on the origin class are moved to the target class at
// the same time. Standalone pods are reported and, when exportPods is set,
// written out as manifests. A failure on one controller does not stop the
// others.
func (p *Patcher) Rewrite(ctx context.Context, namespace, oldName, newName, originClass, targetClass string, exportPods bool) (*Result, error) {
	result := &Result{}
	claimSet := map[string]bool{oldName: true}

	deps, err := p.client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	for i := range deps.Items {
		d := &deps.Items[i]
		if !discovery.MountsAny(&d.Spec.Template.Spec, claimSet) {
			continue
		}
		if p.DryRun {
			result.Patched = append(result.Patched, "Deployment/"+d.Name)
			continue
		}
		err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
			cur, err := p.client.AppsV1().Deployments(namespace).Get(ctx, d.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			if !rewriteClaims(&cur.Spec.Template.Spec, oldName, newName) {
				return nil
			}
			_, err = p.client.AppsV1().Deployments(namespace).Update(ctx, cur, metav1.UpdateOptions{})
			return err
		})
		if err != nil {
			log.Warnf("failed to patch deployment %s: %v", d.Name, err)
			continue
		}
		log.Infof("patched deployment %s: claim %s -> %s", d.Name, oldName, newName)
		result.Patched = append(result.Patched, "Deployment/"+d.Name)
	}

	stss, err := p.client.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing statefulsets: %w", err)
	}
	for i := range stss.Items {
		sts := &stss.Items[i]
		mounts := discovery.MountsAny(&sts.Spec.Template.Spec, claimSet)
		templated := templateOnClass(sts, originClass)
		if !mounts && !templated {
			continue
		}
		if p.DryRun {
			result.Patched = append(result.Patched, "StatefulSet/"+sts.Name)
			continue
		}
		err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
			cur, err := p.client.AppsV1().StatefulSets(namespace).Get(ctx, sts.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			changed := rewriteClaims(&cur.Spec.Template.Spec, oldName, newName)
			if rewriteTemplates(cur, originClass, targetClass) {
				changed = true
			}
			if !changed {
				return nil
			}
			_, err = p.client.AppsV1().StatefulSets(namespace).Update(ctx, cur, metav1.UpdateOptions{})
			return err
		})
		if err != nil {
			// The API server rejects volumeClaimTemplate changes on live
			// statefulsets. The operator has to recreate it.
			log.Warnf("failed to patch statefulset %s: %v", sts.Name, err)
			continue
		}
		log.Infof("patched statefulset %s", sts.Name)
		result.Patched = append(result.Patched, "StatefulSet/"+sts.Name)
	}

	dss, err := p.client.AppsV1().DaemonSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing daemonsets: %w", err)
	}
	for i := range dss.Items {
		ds := &dss.Items[i]
		if !discovery.MountsAny(&ds.Spec.Template.Spec, claimSet) {
			continue
		}
		if p.DryRun {
			result.Patched = append(result.Patched, "DaemonSet/"+ds.Name)
			continue
		}
		err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
			cur, err := p.client.AppsV1().DaemonSets(namespace).Get(ctx, ds.Name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			if !rewriteClaims(&cur.Spec.Template.Spec, oldName, newName) {
				return nil
			}
			_, err = p.client.AppsV1().DaemonSets(namespace).Update(ctx, cur, metav1.UpdateOptions{})
			return err
		})
		if err != nil {
			log.Warnf("failed to patch daemonset %s: %v", ds.Name, err)
			continue
		}
		log.Infof("patched daemonset %s: claim %s -> %s", ds.Name, oldName, newName)
		result.Patched = append(result.Patched, "DaemonSet/"+ds.Name)
	}

	pods, err := p.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}
	for i := range pods.Items {
		pod := &pods.Items[i]
		if !discovery.MountsAny(&pod.Spec, claimSet) {
			continue
		}
		if metav1.GetControllerOf(pod) != nil {
			// Its controller was patched above and will roll the pod.
			continue
		}
		log.Warnf("pod %s mounts %s and has no controller; it must be recreated manually", pod.Name, oldName)
		if !exportPods {
			continue
		}
		result.Exported = append(result.Exported, pod.Name)
		if p.DryRun {
			continue
		}
		if err := p.exportPod(pod, oldName, newName); err != nil {
			log.Warnf("failed to export pod %s: %v", pod.Name, err)
			continue
		}
		log.Infof("exported pod %s to %s", pod.Name, filepath.Join(p.ManifestDir, pod.Name+".yaml"))
	}

	if len(result.Patched) == 0 && len(result.Exported) == 0 {
		log.Warnf("no workloads reference claim %s; nothing to patch", oldName)
	}
	return result, nil
}

// rewriteClaims updates claim references in the pod spec and reports whether
// anything changed.
func rewriteClaims(spec *corev1.PodSpec, oldName, newName string) bool {
	changed := false
	for i := range spec.Volumes {
		pvc := spec.Volumes[i].PersistentVolumeClaim
		if pvc != nil && pvc.ClaimName == oldName {
			pvc.ClaimName = newName
			changed = true
		}
	}
	return changed
}

// rewriteTemplates moves volumeClaimTemplates from the origin class to the
// target class so future ordinals land on the right storage.
func rewriteTemplates(sts *appsv1.StatefulSet, originClass, targetClass string) bool {
	changed := false
	for i := range sts.Spec.VolumeClaimTemplates {
		sc := sts.Spec.VolumeClaimTemplates[i].Spec.StorageClassName
		if sc != nil && *sc == originClass {
			sts.Spec.VolumeClaimTemplates[i].Spec.StorageClassName = ptr.To(targetClass)
			changed = true
		}
	}
	return changed
}

func templateOnClass(sts *appsv1.StatefulSet, storageClass string) bool {
	for _, tpl := range sts.Spec.VolumeClaimTemplates {
		if tpl.Spec.StorageClassName != nil && *tpl.Spec.StorageClassName == storageClass {
			return true
		}
	}
	return false
}

func (p *Patcher) exportPod(pod *corev1.Pod, oldName, newName string) error {
	data, err := yaml.Marshal(exportManifest(pod, oldName, newName))
	if err != nil {
		return fmt.Errorf("encoding pod %s: %w", pod.Name, err)
	}
	if err := os.MkdirAll(p.ManifestDir, 0755); err != nil {
		return fmt.Errorf("creating manifest dir %q: %w", p.ManifestDir, err)
	}
	path := filepath.Join(p.ManifestDir, pod.Name+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := p.appendRecipe(pod.Namespace, pod.Name); err != nil {
		return fmt.Errorf("updating %s: %w", scriptName, err)
	}
	return nil
}

// exportManifest reduces a live pod to something kubectl apply accepts:
// server-populated fields are dropped, only claim-backed volumes survive, and
// the migrated claim reference points at its new name.
func exportManifest(pod *corev1.Pod, oldName, newName string) *corev1.Pod {
	out := &corev1.Pod{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      pod.Name,
			Namespace: pod.Namespace,
			Labels:    pod.Labels,
		},
	}

	kept := map[string]bool{}
	for _, vol := range pod.Spec.Volumes {
		if vol.PersistentVolumeClaim == nil {
			continue
		}
		claim := vol.PersistentVolumeClaim.ClaimName
		if claim == oldName {
			claim = newName
		}
		out.Spec.Volumes = append(out.Spec.Volumes, corev1.Volume{
			Name: vol.Name,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: claim,
					ReadOnly:  vol.PersistentVolumeClaim.ReadOnly,
				},
			},
		})
		kept[vol.Name] = true
	}

	for _, c := range pod.Spec.Containers {
		exported := corev1.Container{
			Name:    c.Name,
			Image:   c.Image,
			Command: c.Command,
			Args:    c.Args,
			Ports:   c.Ports,
		}
		for _, m := range c.VolumeMounts {
			if kept[m.Name] {
				exported.VolumeMounts = append(exported.VolumeMounts, m)
			}
		}
		out.Spec.Containers = append(out.Spec.Containers, exported)
	}

	out.Spec.RestartPolicy = corev1.RestartPolicyNever
	return out
}

// appendRecipe adds a delete-and-apply stanza for the pod to the recreate
// script, creating the script with its header on first use.
func (p *Patcher) appendRecipe(namespace, podName string) error {
	path := filepath.Join(p.ManifestDir, scriptName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0755)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		if _, err := f.WriteString("#!/bin/bash\necho '[INFO] Running post-migration script'\n\n"); err != nil {
			return err
		}
	}

	stanza := fmt.Sprintf("echo 'Deleting old pod: %[1]s'\nkubectl delete pod %[1]s -n %[2]s --ignore-not-found=true\necho 'Applying pod: %[1]s'\nkubectl apply -f %[1]s.yaml -n %[2]s\n\n", podName, namespace)
	_, err = f.WriteString(stanza)
	return err
}
