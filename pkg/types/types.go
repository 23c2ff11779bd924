package types

import "fmt"

// WorkloadKind identifies the controller variants the coordinator knows how
// to tear down. The declaration order is the teardown order: higher-level
// controllers go first so their reconciliation loops stop recreating pods
// while lower-level objects are being cleaned up.
type WorkloadKind int

const (
	KindStatefulSet WorkloadKind = iota
	KindDeployment
	KindDaemonSet
	KindJob
	KindPod
)

// TeardownOrder lists all workload kinds in deletion order.
var TeardownOrder = []WorkloadKind{
	KindStatefulSet,
	KindDeployment,
	KindDaemonSet,
	KindJob,
	KindPod,
}

func (k WorkloadKind) String() string {
	switch k {
	case KindStatefulSet:
		return "StatefulSet"
	case KindDeployment:
		return "Deployment"
	case KindDaemonSet:
		return "DaemonSet"
	case KindJob:
		return "Job"
	case KindPod:
		return "Pod"
	default:
		return fmt.Sprintf("WorkloadKind(%d)", int(k))
	}
}

// WorkloadRef identifies a single teardown target within a namespace.
type WorkloadRef struct {
	Kind WorkloadKind
	Name string
}

// ClaimInfo holds the identity and bound-volume state of a
// PersistentVolumeClaim in scope for a restore.
type ClaimInfo struct {
	Namespace  string
	Name       string
	VolumeName string
	Phase      string
}

// TeardownPlan is the deduplicated set of workloads that must be deleted
// before a claim can be removed, bucketed by kind.
type TeardownPlan struct {
	Namespace string
	ClaimName string

	buckets map[WorkloadKind][]string
	seen    map[WorkloadRef]bool
}

func NewTeardownPlan(namespace, claimName string) *TeardownPlan {
	return &TeardownPlan{
		Namespace: namespace,
		ClaimName: claimName,
		buckets:   make(map[WorkloadKind][]string),
		seen:      make(map[WorkloadRef]bool),
	}
}

// Add records a workload in its kind bucket. Duplicate (kind, name) pairs are
// collapsed, so multiple pods mapping to the same owner add it once.
func (p *TeardownPlan) Add(kind WorkloadKind, name string) {
	ref := WorkloadRef{Kind: kind, Name: name}
	if p.seen[ref] {
		return
	}
	p.seen[ref] = true
	p.buckets[kind] = append(p.buckets[kind], name)
}

// Names returns the bucket for one kind, in insertion order.
func (p *TeardownPlan) Names(kind WorkloadKind) []string {
	return p.buckets[kind]
}

// Ordered returns every workload in the plan in teardown order.
func (p *TeardownPlan) Ordered() []WorkloadRef {
	var refs []WorkloadRef
	for _, kind := range TeardownOrder {
		for _, name := range p.buckets[kind] {
			refs = append(refs, WorkloadRef{Kind: kind, Name: name})
		}
	}
	return refs
}

func (p *TeardownPlan) IsEmpty() bool {
	return len(p.seen) == 0
}

func (p *TeardownPlan) Len() int {
	return len(p.seen)
}
