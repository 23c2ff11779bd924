// Package engine wraps the Velero API: the coordinator triggers backups'
// restores and polls their status here, but never owns the restore itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/rest"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	velerov1 "github.com/vmware-tanzu/velero/pkg/apis/velero/v1"
	"github.com/vmware-tanzu/velero/pkg/label"
)

// ErrWaitTimeout reports that a restore did not reach a terminal phase
// within the polling bound.
var ErrWaitTimeout = errors.New("timed out waiting for restore to complete")

// NewClient builds a controller-runtime client with the Velero API types
// registered, suitable for Engine.
func NewClient(cfg *rest.Config) (ctrlclient.Client, error) {
	scheme := runtime.NewScheme()
	if err := velerov1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("registering velero scheme: %w", err)
	}
	return ctrlclient.New(cfg, ctrlclient.Options{Scheme: scheme})
}

// Engine talks to the Velero server through its API objects in the Velero
// install namespace.
type Engine struct {
	client    ctrlclient.Client
	namespace string
	log       *zap.SugaredLogger

	// PollInterval and PollTimeout bound WaitForRestore.
	PollInterval time.Duration
	PollTimeout  time.Duration
	Clock        clock.Clock
}

func New(client ctrlclient.Client, namespace string, log *zap.SugaredLogger) *Engine {
	if namespace == "" {
		namespace = velerov1.DefaultNamespace
	}
	return &Engine{
		client:       client,
		namespace:    namespace,
		log:          log,
		PollInterval: 5 * time.Second,
		PollTimeout:  30 * time.Minute,
		Clock:        clock.RealClock{},
	}
}

// ListBackups returns all backups known to Velero, newest first.
func (e *Engine) ListBackups(ctx context.Context) ([]velerov1.Backup, error) {
	list := &velerov1.BackupList{}
	if err := e.client.List(ctx, list, ctrlclient.InNamespace(e.namespace)); err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	backups := list.Items
	sort.Slice(backups, func(i, j int) bool {
		return backups[j].CreationTimestamp.Before(&backups[i].CreationTimestamp)
	})
	return backups, nil
}

// GetBackup fetches one backup. The error is returned unwrapped so callers
// can classify not-found with apierrors.IsNotFound.
func (e *Engine) GetBackup(ctx context.Context, name string) (*velerov1.Backup, error) {
	backup := &velerov1.Backup{}
	key := ctrlclient.ObjectKey{Namespace: e.namespace, Name: name}
	if err := e.client.Get(ctx, key, backup); err != nil {
		return nil, err
	}
	return backup, nil
}

// BackupNamespaces returns the namespaces a backup covers. An empty list or
// a "*" entry means the backup is cluster-wide.
func BackupNamespaces(backup *velerov1.Backup) []string {
	for _, ns := range backup.Spec.IncludedNamespaces {
		if ns == "*" {
			return nil
		}
	}
	return backup.Spec.IncludedNamespaces
}

// RestoreRequest carries the parameters of a restore invocation.
type RestoreRequest struct {
	BackupName  string
	RestoreName string
	// Namespaces filters the restore scope; empty means every namespace in
	// the backup.
	Namespaces []string
	// RestoreVolumes requests rehydration of claim volumes (RestorePVs).
	RestoreVolumes bool
}

// CreateRestore submits the restore to Velero. A rejection here is fatal for
// the run; the request parameters are wrapped into the error so the operator
// sees the exact failing call.
func (e *Engine) CreateRestore(ctx context.Context, req RestoreRequest) (*velerov1.Restore, error) {
	namespaces := req.Namespaces
	if len(namespaces) == 0 {
		namespaces = []string{"*"}
	}

	restore := &velerov1.Restore{
		ObjectMeta: metav1.ObjectMeta{
			Name:      req.RestoreName,
			Namespace: e.namespace,
			Labels: map[string]string{
				velerov1.BackupNameLabel: label.GetValidName(req.BackupName),
			},
		},
		Spec: velerov1.RestoreSpec{
			BackupName:         req.BackupName,
			IncludedNamespaces: namespaces,
			RestorePVs:         ptr.To(req.RestoreVolumes),
		},
	}

	if err := e.client.Create(ctx, restore); err != nil {
		return nil, fmt.Errorf("creating restore %q from backup %q (namespaces %v): %w",
			req.RestoreName, req.BackupName, namespaces, err)
	}
	e.log.Infof("created restore %s/%s from backup %s", e.namespace, restore.Name, req.BackupName)
	return restore, nil
}

// GetRestore fetches the current state of a restore.
func (e *Engine) GetRestore(ctx context.Context, name string) (*velerov1.Restore, error) {
	restore := &velerov1.Restore{}
	key := ctrlclient.ObjectKey{Namespace: e.namespace, Name: name}
	if err := e.client.Get(ctx, key, restore); err != nil {
		return nil, err
	}
	return restore, nil
}

// WaitForRestore polls the restore until it reaches a terminal phase. On
// timeout it returns the last observed state together with ErrWaitTimeout.
func (e *Engine) WaitForRestore(ctx context.Context, name string) (*velerov1.Restore, error) {
	deadline := e.Clock.Now().Add(e.PollTimeout)
	var last *velerov1.Restore
	for {
		restore, err := e.GetRestore(ctx, name)
		if err != nil {
			return last, fmt.Errorf("polling restore %q: %w", name, err)
		}
		last = restore
		if terminalRestorePhase(restore.Status.Phase) {
			return restore, nil
		}
		e.log.Debugf("restore %s phase %q, waiting", name, restore.Status.Phase)
		if !e.Clock.Now().Before(deadline) {
			return last, ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-e.Clock.After(e.PollInterval):
		}
	}
}

func terminalRestorePhase(phase velerov1.RestorePhase) bool {
	switch phase {
	case velerov1.RestorePhaseCompleted,
		velerov1.RestorePhasePartiallyFailed,
		velerov1.RestorePhaseFailed,
		velerov1.RestorePhaseFailedValidation:
		return true
	default:
		return false
	}
}

// Succeeded reports whether a terminal restore phase counts as a success.
// PartiallyFailed surfaces warnings but is still a failure for exit-code
// purposes.
func Succeeded(restore *velerov1.Restore) bool {
	return restore.Status.Phase == velerov1.RestorePhaseCompleted
}

// PodVolumeRestores lists the file-system volume restores belonging to a
// restore, which carry the per-volume rehydration status.
func (e *Engine) PodVolumeRestores(ctx context.Context, restoreName string) ([]velerov1.PodVolumeRestore, error) {
	list := &velerov1.PodVolumeRestoreList{}
	err := e.client.List(ctx, list,
		ctrlclient.InNamespace(e.namespace),
		ctrlclient.MatchingLabels{velerov1.RestoreNameLabel: label.GetValidName(restoreName)},
	)
	if err != nil {
		return nil, fmt.Errorf("listing pod volume restores for %q: %w", restoreName, err)
	}
	return list.Items, nil
}
