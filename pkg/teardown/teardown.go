package teardown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Vikaspogu/velero-pvc-restore/pkg/types"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ktypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
)

// Policy bounds a single wait loop. Every wait in the executor is bounded:
// on timeout the executor escalates to forced action rather than blocking.
type Policy struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultPolicy matches the kubectl-era behavior of the original tooling:
// poll every couple of seconds, give up on graceful paths after two minutes.
var DefaultPolicy = Policy{
	Interval: 2 * time.Second,
	Timeout:  2 * time.Minute,
}

var errWaitTimeout = errors.New("timed out waiting for condition")

var clearFinalizersPatch = []byte(`{"metadata":{"finalizers":null}}`)

// Executor deletes a TeardownPlan's workloads and the claim itself, in kind
// order, escalating from graceful cascading deletes to grace-period-zero
// deletes with finalizer clearing. Absence is the success condition
// throughout, so concurrent deletions by other actors are tolerated.
type Executor struct {
	client kubernetes.Interface
	policy Policy
	log    *zap.SugaredLogger
	clock  clock.Clock
}

func New(client kubernetes.Interface, policy Policy, log *zap.SugaredLogger) *Executor {
	return &Executor{
		client: client,
		policy: policy,
		log:    log,
		clock:  clock.RealClock{},
	}
}

// WithClock replaces the wall clock, used by tests to make wait loops
// deterministic.
func (e *Executor) WithClock(c clock.Clock) *Executor {
	e.clock = c
	return e
}

// TeardownClaim removes every workload in the plan, waits for pods
// referencing the claim to disappear, then deletes the claim. It returns an
// error only when the claim (or a workload delete call) cannot be removed
// even by the forced path, which signals the caller to skip restoring this
// claim.
func (e *Executor) TeardownClaim(ctx context.Context, plan *types.TeardownPlan) error {
	for _, ref := range plan.Ordered() {
		if err := e.deleteWorkload(ctx, plan.Namespace, ref); err != nil {
			return fmt.Errorf("deleting %s %s/%s: %w", ref.Kind, plan.Namespace, ref.Name, err)
		}
	}

	if err := e.flushClaimPods(ctx, plan.Namespace, plan.ClaimName); err != nil {
		return err
	}

	return e.DeleteClaim(ctx, plan.Namespace, plan.ClaimName)
}

// deleteWorkload issues a graceful cascading delete, waits for the object to
// disappear, and escalates to a zero-grace delete on timeout.
func (e *Executor) deleteWorkload(ctx context.Context, namespace string, ref types.WorkloadRef) error {
	e.log.Infof("deleting %s %s/%s", ref.Kind, namespace, ref.Name)

	foreground := metav1.DeletePropagationForeground
	err := e.delete(ctx, namespace, ref, metav1.DeleteOptions{PropagationPolicy: &foreground})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	waitErr := e.waitUntil(ctx, func(ctx context.Context) (bool, error) {
		present, err := e.exists(ctx, namespace, ref)
		if err != nil {
			// Transient read failure: keep polling until the bound expires.
			e.log.Debugf("checking %s %s/%s: %v", ref.Kind, namespace, ref.Name, err)
			return false, nil
		}
		return !present, nil
	})
	if waitErr == nil {
		return nil
	}
	if !errors.Is(waitErr, errWaitTimeout) {
		return waitErr
	}

	e.log.Warnf("graceful delete of %s %s/%s timed out after %s, forcing", ref.Kind, namespace, ref.Name, e.policy.Timeout)
	background := metav1.DeletePropagationBackground
	err = e.delete(ctx, namespace, ref, metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To(int64(0)),
		PropagationPolicy:  &background,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

// flushClaimPods waits for zero pods referencing the claim. On timeout any
// stragglers get their finalizers cleared and are force-deleted; the teardown
// then proceeds regardless, so a stuck finalizer never blocks the restore.
func (e *Executor) flushClaimPods(ctx context.Context, namespace, claimName string) error {
	waitErr := e.waitUntil(ctx, func(ctx context.Context) (bool, error) {
		pods, err := e.claimPods(ctx, namespace, claimName)
		if err != nil {
			e.log.Debugf("listing pods for claim %s/%s: %v", namespace, claimName, err)
			return false, nil
		}
		return len(pods) == 0, nil
	})
	if waitErr == nil {
		return nil
	}
	if !errors.Is(waitErr, errWaitTimeout) {
		return waitErr
	}

	pods, err := e.claimPods(ctx, namespace, claimName)
	if err != nil {
		// Without a pod list there are no stragglers to force; the claim
		// delete below escalates on its own if one is still attached.
		e.log.Warnf("listing pods for claim %s/%s: %v, proceeding to claim deletion", namespace, claimName, err)
		return nil
	}
	for _, pod := range pods {
		e.log.Warnf("pod %s/%s still references claim %s, force-deleting", namespace, pod, claimName)
		e.clearPodFinalizers(ctx, namespace, pod)
		err := e.client.CoreV1().Pods(namespace).Delete(ctx, pod, metav1.DeleteOptions{
			GracePeriodSeconds: ptr.To(int64(0)),
		})
		if err != nil && !apierrors.IsNotFound(err) {
			e.log.Warnf("force delete of pod %s/%s failed: %v", namespace, pod, err)
		}
	}
	return nil
}

func (e *Executor) claimPods(ctx context.Context, namespace, claimName string) ([]string, error) {
	list, err := e.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, pod := range list.Items {
		for _, vol := range pod.Spec.Volumes {
			if vol.PersistentVolumeClaim != nil && vol.PersistentVolumeClaim.ClaimName == claimName {
				names = append(names, pod.Name)
				break
			}
		}
	}
	return names, nil
}

func (e *Executor) clearPodFinalizers(ctx context.Context, namespace, name string) {
	_, err := e.client.CoreV1().Pods(namespace).Patch(ctx, name, ktypes.MergePatchType, clearFinalizersPatch, metav1.PatchOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		e.log.Warnf("clearing finalizers on pod %s/%s: %v", namespace, name, err)
	}
}

// DeleteClaim removes the claim, escalating to finalizer clearing and a
// forced delete when the graceful path gets stuck. An already-absent claim is
// success. If the claim's bound volume is left in a terminal phase it is
// cleaned up the same way. The only failure is a claim that survives the
// forced path.
func (e *Executor) DeleteClaim(ctx context.Context, namespace, name string) error {
	pvcs := e.client.CoreV1().PersistentVolumeClaims(namespace)

	pvc, err := pvcs.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting claim %s/%s: %w", namespace, name, err)
	}
	volumeName := pvc.Spec.VolumeName

	e.log.Infof("deleting claim %s/%s", namespace, name)
	if err := pvcs.Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		e.log.Warnf("graceful delete of claim %s/%s failed: %v", namespace, name, err)
	}

	waitErr := e.waitUntil(ctx, func(ctx context.Context) (bool, error) {
		_, err := pvcs.Get(ctx, name, metav1.GetOptions{})
		return apierrors.IsNotFound(err), nil
	})
	if waitErr != nil {
		if !errors.Is(waitErr, errWaitTimeout) {
			return waitErr
		}
		e.log.Warnf("claim %s/%s stuck, clearing finalizers and forcing", namespace, name)
		_, err := pvcs.Patch(ctx, name, ktypes.MergePatchType, clearFinalizersPatch, metav1.PatchOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			e.log.Warnf("clearing finalizers on claim %s/%s: %v", namespace, name, err)
		}
		err = pvcs.Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: ptr.To(int64(0))})
		if err != nil && !apierrors.IsNotFound(err) {
			e.log.Warnf("force delete of claim %s/%s failed: %v", namespace, name, err)
		}
		if _, err := pvcs.Get(ctx, name, metav1.GetOptions{}); !apierrors.IsNotFound(err) {
			return fmt.Errorf("claim %s/%s still exists after forced delete", namespace, name)
		}
	}

	if volumeName != "" {
		e.cleanupVolume(ctx, volumeName)
	}
	return nil
}

// cleanupVolume removes a released or failed PV left behind by the claim.
// Best-effort: the restore recreates the claim, and an orphaned PV does not
// block it.
func (e *Executor) cleanupVolume(ctx context.Context, name string) {
	pvs := e.client.CoreV1().PersistentVolumes()

	pv, err := pvs.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			e.log.Debugf("getting volume %s: %v", name, err)
		}
		return
	}
	if pv.Status.Phase != corev1.VolumeReleased && pv.Status.Phase != corev1.VolumeFailed {
		return
	}

	e.log.Infof("deleting %s volume %s", pv.Status.Phase, name)
	if err := pvs.Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		e.log.Warnf("deleting volume %s: %v", name, err)
	}

	waitErr := e.waitUntil(ctx, func(ctx context.Context) (bool, error) {
		_, err := pvs.Get(ctx, name, metav1.GetOptions{})
		return apierrors.IsNotFound(err), nil
	})
	if errors.Is(waitErr, errWaitTimeout) {
		e.log.Warnf("volume %s stuck, clearing finalizers and forcing", name)
		_, err := pvs.Patch(ctx, name, ktypes.MergePatchType, clearFinalizersPatch, metav1.PatchOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			e.log.Warnf("clearing finalizers on volume %s: %v", name, err)
		}
		err = pvs.Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: ptr.To(int64(0))})
		if err != nil && !apierrors.IsNotFound(err) {
			e.log.Warnf("force delete of volume %s failed: %v", name, err)
		}
	}
}

func (e *Executor) delete(ctx context.Context, namespace string, ref types.WorkloadRef, opts metav1.DeleteOptions) error {
	switch ref.Kind {
	case types.KindStatefulSet:
		return e.client.AppsV1().StatefulSets(namespace).Delete(ctx, ref.Name, opts)
	case types.KindDeployment:
		return e.client.AppsV1().Deployments(namespace).Delete(ctx, ref.Name, opts)
	case types.KindDaemonSet:
		return e.client.AppsV1().DaemonSets(namespace).Delete(ctx, ref.Name, opts)
	case types.KindJob:
		return e.client.BatchV1().Jobs(namespace).Delete(ctx, ref.Name, opts)
	case types.KindPod:
		return e.client.CoreV1().Pods(namespace).Delete(ctx, ref.Name, opts)
	default:
		return fmt.Errorf("unsupported workload kind: %s", ref.Kind)
	}
}

func (e *Executor) exists(ctx context.Context, namespace string, ref types.WorkloadRef) (bool, error) {
	var err error
	switch ref.Kind {
	case types.KindStatefulSet:
		_, err = e.client.AppsV1().StatefulSets(namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	case types.KindDeployment:
		_, err = e.client.AppsV1().Deployments(namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	case types.KindDaemonSet:
		_, err = e.client.AppsV1().DaemonSets(namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	case types.KindJob:
		_, err = e.client.BatchV1().Jobs(namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	case types.KindPod:
		_, err = e.client.CoreV1().Pods(namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	default:
		return false, fmt.Errorf("unsupported workload kind: %s", ref.Kind)
	}
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// waitUntil polls cond at the policy interval until it reports done, the
// policy timeout elapses, or ctx is cancelled. The deadline is checked before
// sleeping so a zero timeout evaluates cond exactly once.
func (e *Executor) waitUntil(ctx context.Context, cond func(context.Context) (bool, error)) error {
	deadline := e.clock.Now().Add(e.policy.Timeout)
	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !e.clock.Now().Before(deadline) {
			return errWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.policy.Interval):
		}
	}
}
