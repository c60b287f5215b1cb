package cluster

import (
	"sort"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/splax/autodeploy/internal/domain"
)

// RevisionAnnotation is set by the deployment controller on every ReplicaSet.
const RevisionAnnotation = "deployment.kubernetes.io/revision"

// PodFromObject flattens a pod into the observer-facing shape.
func PodFromObject(p corev1.Pod) domain.Pod {
	pod := domain.Pod{
		Name:   p.Name,
		Status: string(p.Status.Phase),
		Node:   p.Spec.NodeName,
		Ready:  IsPodReady(&p),
	}
	if p.Status.StartTime != nil {
		pod.StartedAt = p.Status.StartTime.Time.UTC()
	} else {
		pod.StartedAt = p.CreationTimestamp.Time.UTC()
	}
	for _, cs := range p.Status.ContainerStatuses {
		pod.Restarts += int(cs.RestartCount)
		if pod.Image == "" {
			pod.Image = cs.Image
		}
		if cs.State.Waiting != nil && cs.State.Waiting.Reason != "" {
			pod.Status = cs.State.Waiting.Reason
		}
	}
	if pod.Image == "" && len(p.Spec.Containers) > 0 {
		pod.Image = p.Spec.Containers[0].Image
	}
	if p.DeletionTimestamp != nil {
		pod.Status = "Terminating"
	}
	return pod
}

// IsPodReady reports the PodReady condition.
func IsPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// WorkloadFromDeployment summarises a Deployment.
func WorkloadFromDeployment(d appsv1.Deployment) domain.WorkloadStatus {
	desired := 1
	if d.Spec.Replicas != nil {
		desired = int(*d.Spec.Replicas)
	}
	status := domain.WorkloadStatus{
		Name:            d.Name,
		Namespace:       d.Namespace,
		DesiredReplicas: desired,
		ReadyReplicas:   int(d.Status.ReadyReplicas),
		UpdatedReplicas: int(d.Status.UpdatedReplicas),
		Available:       int(d.Status.AvailableReplicas),
		Generation:      d.Generation,
	}
	if len(d.Spec.Template.Spec.Containers) > 0 {
		status.Image = d.Spec.Template.Spec.Containers[0].Image
	}
	for _, c := range d.Status.Conditions {
		status.Conditions = append(status.Conditions, domain.WorkloadCondition{
			Type:    string(c.Type),
			Status:  string(c.Status),
			Reason:  c.Reason,
			Message: c.Message,
		})
	}
	return status
}

// DeploymentSettled reports whether the controller has observed the latest spec
// and every replica is updated and available.
func DeploymentSettled(d appsv1.Deployment) bool {
	if d.Status.ObservedGeneration < d.Generation {
		return false
	}
	return WorkloadFromDeployment(d).RolledOut()
}

// RevisionsFromReplicaSets keeps the ReplicaSets owned by workload and orders them
// newest revision first.
func RevisionsFromReplicaSets(workload string, sets []appsv1.ReplicaSet) []domain.Revision {
	var out []domain.Revision
	for _, rs := range sets {
		if !OwnedBy(rs, workload) {
			continue
		}
		rev := domain.Revision{
			Revision:  ReplicaSetRevision(rs),
			Replicas:  int(rs.Status.Replicas),
			Ready:     int(rs.Status.ReadyReplicas),
			CreatedAt: rs.CreationTimestamp.Time.UTC(),
		}
		if len(rs.Spec.Template.Spec.Containers) > 0 {
			rev.Image = rs.Spec.Template.Spec.Containers[0].Image
		}
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Revision != out[j].Revision {
			return out[i].Revision > out[j].Revision
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// OwnedBy reports whether a ReplicaSet belongs to the named Deployment.
func OwnedBy(rs appsv1.ReplicaSet, workload string) bool {
	for _, ref := range rs.OwnerReferences {
		if ref.Kind == "Deployment" && ref.Name == workload {
			return true
		}
	}
	return false
}

// ReplicaSetRevision parses the revision annotation, or 0 when absent.
func ReplicaSetRevision(rs appsv1.ReplicaSet) int64 {
	n, err := strconv.ParseInt(rs.Annotations[RevisionAnnotation], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
