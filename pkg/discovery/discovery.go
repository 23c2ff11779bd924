package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/Vikaspogu/velero-pvc-restore/pkg/types"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Discoverer resolves which workload controllers currently depend on a
// PersistentVolumeClaim. Discovery is advisory: deletes are idempotent, so
// query failures degrade to "no owner found" instead of aborting.
type Discoverer struct {
	client kubernetes.Interface
	log    *zap.SugaredLogger
}

func New(client kubernetes.Interface, log *zap.SugaredLogger) *Discoverer {
	return &Discoverer{client: client, log: log}
}

// ListClaims lists claims in the given namespace, or in all namespaces when
// namespace is empty.
func (d *Discoverer) ListClaims(ctx context.Context, namespace string) ([]types.ClaimInfo, error) {
	list, err := d.client.CoreV1().PersistentVolumeClaims(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing claims: %w", err)
	}

	var claims []types.ClaimInfo
	for _, pvc := range list.Items {
		claims = append(claims, claimInfo(&pvc))
	}
	d.log.Debugf("found %d claim(s) in namespace %q", len(claims), namespace)
	return claims, nil
}

// GetClaim fetches a single claim. Callers distinguish not-found via
// apierrors.IsNotFound on the wrapped error.
func (d *Discoverer) GetClaim(ctx context.Context, namespace, name string) (types.ClaimInfo, error) {
	pvc, err := d.client.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return types.ClaimInfo{}, fmt.Errorf("getting claim %s/%s: %w", namespace, name, err)
	}
	return claimInfo(pvc), nil
}

func claimInfo(pvc *corev1.PersistentVolumeClaim) types.ClaimInfo {
	return types.ClaimInfo{
		Namespace:  pvc.Namespace,
		Name:       pvc.Name,
		VolumeName: pvc.Spec.VolumeName,
		Phase:      string(pvc.Status.Phase),
	}
}

// Plan builds the TeardownPlan for one claim: workloads owning pods that
// mount the claim, plus StatefulSets whose claim template matches the claim
// name even when no such pod exists yet. Query failures only shrink the
// plan, they never fail it.
func (d *Discoverer) Plan(ctx context.Context, namespace, claimName string) *types.TeardownPlan {
	plan := types.NewTeardownPlan(namespace, claimName)

	pods, err := d.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		d.log.Warnf("listing pods in %q failed, ownership discovery degraded: %v", namespace, err)
	} else {
		for _, pod := range pods.Items {
			if !podMountsClaim(&pod, claimName) {
				continue
			}
			d.log.Debugf("pod %s/%s mounts claim %s", namespace, pod.Name, claimName)
			d.resolveOwner(ctx, &pod, plan)
		}
	}

	if err := d.matchClaimTemplates(ctx, namespace, claimName, plan); err != nil {
		// Advisory: the live-pod evidence above already covers running sets.
		d.log.Warnf("statefulset template scan for claim %s/%s failed: %v", namespace, claimName, err)
	}

	return plan
}

func podMountsClaim(pod *corev1.Pod, claimName string) bool {
	for _, vol := range pod.Spec.Volumes {
		if vol.PersistentVolumeClaim != nil && vol.PersistentVolumeClaim.ClaimName == claimName {
			return true
		}
	}
	return false
}

// resolveOwner classifies a pod's top-level controller into the plan. A pod
// owned by a ReplicaSet resolves one further hop to the owning Deployment;
// ReplicaSets themselves are never deletion targets. Lookup failures leave
// the pod unclassified.
func (d *Discoverer) resolveOwner(ctx context.Context, pod *corev1.Pod, plan *types.TeardownPlan) {
	if len(pod.OwnerReferences) == 0 {
		plan.Add(types.KindPod, pod.Name)
		return
	}

	ns := pod.Namespace
	for _, ref := range pod.OwnerReferences {
		switch ref.Kind {
		case "StatefulSet":
			if _, err := d.client.AppsV1().StatefulSets(ns).Get(ctx, ref.Name, metav1.GetOptions{}); err != nil {
				d.log.Debugf("statefulset %s/%s lookup failed: %v", ns, ref.Name, err)
				continue
			}
			plan.Add(types.KindStatefulSet, ref.Name)

		case "ReplicaSet":
			rs, err := d.client.AppsV1().ReplicaSets(ns).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				d.log.Debugf("replicaset %s/%s lookup failed: %v", ns, ref.Name, err)
				continue
			}
			for _, rsRef := range rs.OwnerReferences {
				if rsRef.Kind == "Deployment" {
					plan.Add(types.KindDeployment, rsRef.Name)
				}
			}

		case "DaemonSet":
			if _, err := d.client.AppsV1().DaemonSets(ns).Get(ctx, ref.Name, metav1.GetOptions{}); err != nil {
				d.log.Debugf("daemonset %s/%s lookup failed: %v", ns, ref.Name, err)
				continue
			}
			plan.Add(types.KindDaemonSet, ref.Name)

		case "Job":
			if _, err := d.client.BatchV1().Jobs(ns).Get(ctx, ref.Name, metav1.GetOptions{}); err != nil {
				d.log.Debugf("job %s/%s lookup failed: %v", ns, ref.Name, err)
				continue
			}
			plan.Add(types.KindJob, ref.Name)
		}
	}
}

// matchClaimTemplates adds StatefulSets whose volume claim template names the
// claim as <template>-<statefulset>-<ordinal>. This catches the window
// between claim creation and pod scheduling, where no live pod mounts the
// claim yet.
func (d *Discoverer) matchClaimTemplates(ctx context.Context, namespace, claimName string, plan *types.TeardownPlan) error {
	sets, err := d.client.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return err
	}

	for _, set := range sets.Items {
		for _, tmpl := range set.Spec.VolumeClaimTemplates {
			if templateOwnsClaim(tmpl.Name, set.Name, claimName) {
				d.log.Debugf("claim %s matches template %q of statefulset %s/%s",
					claimName, tmpl.Name, namespace, set.Name)
				plan.Add(types.KindStatefulSet, set.Name)
			}
		}
	}
	return nil
}

// templateOwnsClaim reports whether claimName follows the
// <template>-<statefulset>-<ordinal> naming convention.
func templateOwnsClaim(templateName, setName, claimName string) bool {
	prefix := templateName + "-" + setName + "-"
	if !strings.HasPrefix(claimName, prefix) {
		return false
	}
	ordinal := claimName[len(prefix):]
	if ordinal == "" {
		return false
	}
	for _, r := range ordinal {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
