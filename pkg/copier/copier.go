// Package copier clones the contents of one PersistentVolumeClaim into
// another by running a short-lived rsync pod that mounts both.
package copier

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Phase prefixes the pod name so the forward copy and the return copy of the
// same volume get distinct pods.
type Phase string

const (
	PhaseForward Phase = "pivot1"     // original -> temp
	PhaseReturn  Phase = "pivot2"     // temp -> final
	PhaseClone   Phase = "pivot-copy" // original -> renamed sibling
)

// ErrCopyFailed marks a copy pod that reached the Failed phase. The copy is
// not retried; the affected volume must be rerun.
var ErrCopyFailed = errors.New("copy pod failed")

const copyScript = "apk add --no-cache rsync && rsync -a /old/ /new/ && sleep 2"

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]`)

// Copier runs one-shot copy pods and blocks until they finish.
type Copier struct {
	client kubernetes.Interface

	// Image is the image for the copy pod. It only needs a shell and apk.
	Image string
	// Interval is how often the pod phase is polled. There is no overall
	// deadline: a copy pod that never terminates stalls the migration, which
	// is preferable to tearing it down mid-write.
	Interval time.Duration
}

func New(client kubernetes.Interface) *Copier {
	return &Copier{client: client, Image: "alpine", Interval: 2 * time.Second}
}

// PodName derives the deterministic pod name for copying out of a source
// claim: the claim name is lowercased, stripped of invalid characters and
// truncated before the phase prefix is applied.
func PodName(phase Phase, source string) string {
	name := strings.ToLower(source)
	name = invalidNameChars.ReplaceAllString(name, "")
	if len(name) > 20 {
		name = name[:20]
	}
	name = strings.TrimRight(name, "-")
	return string(phase) + "-" + name
}

// Copy mirrors the contents of the source claim into the dest claim and
// returns the copy pod's name. The pod is deleted whatever the outcome. A pod
// left behind by an interrupted run with the same name is adopted instead of
// recreated.
func (c *Copier) Copy(ctx context.Context, namespace, source, dest string, phase Phase) (string, error) {
	name := PodName(phase, source)

	_, err := c.client.CoreV1().Pods(namespace).Create(ctx, c.buildPod(name, namespace, source, dest), metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		log.Warnf("copy pod %s already exists, waiting for it instead", name)
	} else if err != nil {
		return name, fmt.Errorf("creating copy pod %s: %w", name, err)
	} else {
		log.Infof("copy pod %s started: %s -> %s", name, source, dest)
	}

	phaseReached, waitErr := c.waitForPod(ctx, namespace, name)

	// The pod is torn down even after a failure; its exit status has already
	// been captured and a dead pod would block the next attempt.
	if err := c.client.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		log.Warnf("failed to delete copy pod %s: %v", name, err)
	}

	if waitErr != nil {
		return name, waitErr
	}
	if phaseReached == corev1.PodFailed {
		return name, fmt.Errorf("pod %s: %w", name, ErrCopyFailed)
	}
	log.Infof("copy pod %s finished: %s -> %s", name, source, dest)
	return name, nil
}

func (c *Copier) waitForPod(ctx context.Context, namespace, name string) (corev1.PodPhase, error) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			pod, err := c.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return "", fmt.Errorf("checking copy pod %s: %w", name, err)
			}
			switch pod.Status.Phase {
			case corev1.PodSucceeded, corev1.PodFailed:
				return pod.Status.Phase, nil
			}
			log.Debugf("copy pod %s is %s", name, pod.Status.Phase)
		}
	}
}

func (c *Copier) buildPod(name, namespace, source, dest string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    "copy",
					Image:   c.Image,
					Command: []string{"sh", "-c", copyScript},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "src", MountPath: "/old", ReadOnly: true},
						{Name: "dst", MountPath: "/new"},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "src",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: source,
							ReadOnly:  true,
						},
					},
				},
				{
					Name: "dst",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: dest,
						},
					},
				},
			},
		},
	}
}
