package teardown

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Vikaspogu/velero-pvc-restore/pkg/types"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"
	clocktesting "k8s.io/utils/clock/testing"
)

// newTestExecutor returns an executor whose wait loops evaluate their
// condition exactly once: zero timeout plus a frozen clock.
func newTestExecutor(client *fake.Clientset) *Executor {
	policy := Policy{Interval: time.Millisecond, Timeout: 0}
	return New(client, policy, zap.NewNop().Sugar()).
		WithClock(clocktesting.NewFakeClock(time.Now()))
}

func claimPod(ns, name, claimName string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec: corev1.PodSpec{
			Volumes: []corev1.Volume{
				{
					Name: "data",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: claimName,
						},
					},
				},
			},
		},
	}
}

func TestTeardownClaim_KindOrder(t *testing.T) {
	ns := "default"
	set := &appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{Name: "db", Namespace: ns}}
	dep := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: ns}}
	pod := claimPod(ns, "orphan", "data")
	pvc := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Name: "data", Namespace: ns}}

	client := fake.NewSimpleClientset(set, dep, pod, pvc)

	var deleted []string
	client.PrependReactor("delete", "*", func(action ktesting.Action) (bool, runtime.Object, error) {
		deleted = append(deleted, action.GetResource().Resource)
		return false, nil, nil
	})

	plan := types.NewTeardownPlan(ns, "data")
	plan.Add(types.KindPod, "orphan")
	plan.Add(types.KindDeployment, "web")
	plan.Add(types.KindStatefulSet, "db")

	e := newTestExecutor(client)
	if err := e.TeardownClaim(context.Background(), plan); err != nil {
		t.Fatalf("TeardownClaim() error: %v", err)
	}

	order := strings.Join(deleted, ",")
	want := "statefulsets,deployments,pods,persistentvolumeclaims"
	if order != want {
		t.Errorf("delete order = %q, want %q", order, want)
	}
}

func TestDeleteWorkload_EscalatesToForcedDelete(t *testing.T) {
	ns := "default"
	dep := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: ns}}
	client := fake.NewSimpleClientset(dep)

	// Make deletes no-ops so the deployment never disappears.
	var opts []metav1.DeleteOptions
	client.PrependReactor("delete", "deployments", func(action ktesting.Action) (bool, runtime.Object, error) {
		if del, ok := action.(ktesting.DeleteActionImpl); ok {
			opts = append(opts, del.DeleteOptions)
		}
		return true, nil, nil
	})

	e := newTestExecutor(client)
	err := e.deleteWorkload(context.Background(), ns, types.WorkloadRef{Kind: types.KindDeployment, Name: "web"})
	if err != nil {
		t.Fatalf("deleteWorkload() error: %v", err)
	}

	if len(opts) != 2 {
		t.Fatalf("expected 2 delete calls (graceful + forced), got %d", len(opts))
	}
	if opts[0].GracePeriodSeconds != nil {
		t.Error("first delete should not set a grace period")
	}
	if opts[1].GracePeriodSeconds == nil || *opts[1].GracePeriodSeconds != 0 {
		t.Error("second delete should set grace period 0")
	}
}

func TestDeleteWorkload_AbsentIsSuccess(t *testing.T) {
	client := fake.NewSimpleClientset()
	e := newTestExecutor(client)

	err := e.deleteWorkload(context.Background(), "default", types.WorkloadRef{Kind: types.KindStatefulSet, Name: "gone"})
	if err != nil {
		t.Fatalf("deleteWorkload() on absent workload error: %v", err)
	}
}

func TestFlushClaimPods_ForceDeletesStuckPods(t *testing.T) {
	ns := "default"
	pod := claimPod(ns, "stuck", "data")
	pod.Finalizers = []string{"example.com/hold"}
	pvc := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Name: "data", Namespace: ns}}

	client := fake.NewSimpleClientset(pod, pvc)

	// The pod refuses to die gracefully.
	deletes := 0
	client.PrependReactor("delete", "pods", func(action ktesting.Action) (bool, runtime.Object, error) {
		deletes++
		return true, nil, nil
	})

	plan := types.NewTeardownPlan(ns, "data")
	e := newTestExecutor(client)
	if err := e.TeardownClaim(context.Background(), plan); err != nil {
		t.Fatalf("TeardownClaim() error: %v", err)
	}

	if deletes == 0 {
		t.Error("expected a forced pod delete")
	}
	patched := false
	for _, action := range client.Actions() {
		if action.GetVerb() == "patch" && action.GetResource().Resource == "pods" {
			patched = true
		}
	}
	if !patched {
		t.Error("expected pod finalizers to be cleared via patch")
	}
}

func TestTeardownClaim_PodListFailureProceeds(t *testing.T) {
	ns := "default"
	pvc := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Name: "data", Namespace: ns}}
	client := fake.NewSimpleClientset(pvc)
	client.PrependReactor("list", "pods", func(action ktesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("pods is forbidden")
	})

	plan := types.NewTeardownPlan(ns, "data")
	e := newTestExecutor(client)
	if err := e.TeardownClaim(context.Background(), plan); err != nil {
		t.Fatalf("TeardownClaim() error: %v", err)
	}

	_, err := client.CoreV1().PersistentVolumeClaims(ns).Get(context.Background(), "data", metav1.GetOptions{})
	if err == nil {
		t.Error("claim should have been deleted despite the pod list failure")
	}
}

func TestDeleteClaim_IdempotentWhenAbsent(t *testing.T) {
	client := fake.NewSimpleClientset()
	e := newTestExecutor(client)

	for i := 0; i < 2; i++ {
		if err := e.DeleteClaim(context.Background(), "default", "never-existed"); err != nil {
			t.Fatalf("DeleteClaim() call %d error: %v", i+1, err)
		}
	}
}

func TestDeleteClaim_StuckClaimFails(t *testing.T) {
	pvc := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Name: "data", Namespace: "default"}}
	client := fake.NewSimpleClientset(pvc)
	client.PrependReactor("delete", "persistentvolumeclaims", func(action ktesting.Action) (bool, runtime.Object, error) {
		return true, nil, nil
	})

	e := newTestExecutor(client)
	err := e.DeleteClaim(context.Background(), "default", "data")
	if err == nil {
		t.Fatal("expected error for claim surviving the forced path")
	}
	if !strings.Contains(err.Error(), "still exists") {
		t.Errorf("error = %v, want mention of claim still existing", err)
	}
}

func TestDeleteClaim_RemovesReleasedVolume(t *testing.T) {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "data", Namespace: "default"},
		Spec:       corev1.PersistentVolumeClaimSpec{VolumeName: "pv-data"},
	}
	pv := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: "pv-data"},
		Status:     corev1.PersistentVolumeStatus{Phase: corev1.VolumeReleased},
	}
	client := fake.NewSimpleClientset(pvc, pv)

	e := newTestExecutor(client)
	if err := e.DeleteClaim(context.Background(), "default", "data"); err != nil {
		t.Fatalf("DeleteClaim() error: %v", err)
	}

	_, err := client.CoreV1().PersistentVolumes().Get(context.Background(), "pv-data", metav1.GetOptions{})
	if err == nil {
		t.Error("released volume should have been deleted")
	}
}

func TestDeleteClaim_KeepsBoundVolume(t *testing.T) {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "data", Namespace: "default"},
		Spec:       corev1.PersistentVolumeClaimSpec{VolumeName: "pv-data"},
	}
	pv := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: "pv-data"},
		Status:     corev1.PersistentVolumeStatus{Phase: corev1.VolumeBound},
	}
	client := fake.NewSimpleClientset(pvc, pv)

	e := newTestExecutor(client)
	if err := e.DeleteClaim(context.Background(), "default", "data"); err != nil {
		t.Fatalf("DeleteClaim() error: %v", err)
	}

	if _, err := client.CoreV1().PersistentVolumes().Get(context.Background(), "pv-data", metav1.GetOptions{}); err != nil {
		t.Errorf("bound volume should be left alone: %v", err)
	}
}
