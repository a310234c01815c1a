package k8s

import (
	"bytes"
	"context"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// CSIVolume is an opaque CSI volume descriptor. The attributes come straight
// from the storage backend; this package never inspects them.
type CSIVolume struct {
	Driver           string
	VolumeAttributes map[string]string
	ReadOnly         bool
}

// PodSpec holds pod creation parameters
type PodSpec struct {
	Name           string
	Namespace      string
	Image          string
	Command        []string
	Env            map[string]string
	CPU            string
	Memory         string
	ServiceAccount string
	Labels         map[string]string
	Annotations    map[string]string
	// Volume and MountPath attach the workspace bucket. Both or neither.
	Volume    *CSIVolume
	MountPath string
}

// CreatePod creates a new pod
func (c *Client) CreatePod(ctx context.Context, spec *PodSpec) error {
	// Validate required fields
	if spec.Name == "" {
		return fmt.Errorf("pod name is required")
	}
	if spec.Namespace == "" {
		return fmt.Errorf("pod namespace is required")
	}
	if spec.Image == "" {
		return fmt.Errorf("pod image is required")
	}
	if (spec.Volume == nil) != (spec.MountPath == "") {
		return fmt.Errorf("volume and mount path must be set together")
	}

	// Pre-allocate env vars slice with known capacity
	envVars := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		if k == "" {
			continue // Skip empty keys
		}
		envVars = append(envVars, corev1.EnvVar{
			Name:  k,
			Value: v,
		})
	}

	container := corev1.Container{
		Name:    "workspace",
		Image:   spec.Image,
		Command: spec.Command,
		Env:     envVars,
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(spec.CPU),
				corev1.ResourceMemory: resource.MustParse(spec.Memory),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(spec.CPU),
				corev1.ResourceMemory: resource.MustParse(spec.Memory),
			},
		},
	}

	podSpec := corev1.PodSpec{
		ServiceAccountName: spec.ServiceAccount,
		RestartPolicy:      corev1.RestartPolicyNever,
	}

	if spec.Volume != nil {
		readOnly := spec.Volume.ReadOnly
		podSpec.Volumes = []corev1.Volume{
			{
				Name: "workspace-storage",
				VolumeSource: corev1.VolumeSource{
					CSI: &corev1.CSIVolumeSource{
						Driver:           spec.Volume.Driver,
						ReadOnly:         &readOnly,
						VolumeAttributes: spec.Volume.VolumeAttributes,
					},
				},
			},
		}
		container.VolumeMounts = []corev1.VolumeMount{
			{
				Name:      "workspace-storage",
				MountPath: spec.MountPath,
			},
		}
	}

	podSpec.Containers = []corev1.Container{container}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Namespace:   spec.Namespace,
			Labels:      spec.Labels,
			Annotations: spec.Annotations,
		},
		Spec: podSpec,
	}

	_, err := c.clientset.CoreV1().Pods(spec.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create pod: %w", err)
	}

	return nil
}

// GetPod retrieves a pod
func (c *Client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get pod: %w", err)
	}
	return pod, nil
}

// DeletePod deletes a pod
func (c *Client) DeletePod(ctx context.Context, namespace, name string, force bool) error {
	deleteOptions := metav1.DeleteOptions{}
	if force {
		gracePeriod := int64(0)
		deleteOptions.GracePeriodSeconds = &gracePeriod
	}

	err := c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, deleteOptions)
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod: %w", err)
	}

	return nil
}

// WaitForPodRunning waits for a pod to reach running state
func (c *Client) WaitForPodRunning(ctx context.Context, namespace, name string) error {
	watch, err := c.clientset.CoreV1().Pods(namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", name),
	})
	if err != nil {
		return fmt.Errorf("failed to watch pod: %w", err)
	}
	defer watch.Stop()

	for {
		select {
		case event := <-watch.ResultChan():
			if event.Object == nil {
				return fmt.Errorf("watch channel closed")
			}

			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}

			if pod.Status.Phase == corev1.PodRunning {
				return nil
			}

			if pod.Status.Phase == corev1.PodFailed {
				return fmt.Errorf("pod failed to start")
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// GetPodLogs retrieves logs from a pod
func (c *Client) GetPodLogs(ctx context.Context, namespace, podName string, tailLines *int64) (string, error) {
	opts := &corev1.PodLogOptions{}
	if tailLines != nil {
		opts.TailLines = tailLines
	}

	req := c.clientset.CoreV1().Pods(namespace).GetLogs(podName, opts)
	logs, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get pod logs: %w", err)
	}
	defer logs.Close()

	buf := new(bytes.Buffer)
	_, err = io.Copy(buf, logs)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}

	return buf.String(), nil
}

// StreamPodLogs streams logs from a pod, optionally following new logs
func (c *Client) StreamPodLogs(ctx context.Context, namespace, podName string, tailLines *int64, follow bool) (io.ReadCloser, error) {
	opts := &corev1.PodLogOptions{
		Follow: follow,
	}
	if tailLines != nil {
		opts.TailLines = tailLines
	}

	req := c.clientset.CoreV1().Pods(namespace).GetLogs(podName, opts)
	logs, err := req.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to stream pod logs: %w", err)
	}

	return logs, nil
}

// ListPods lists all pods in a namespace
func (c *Client) ListPods(ctx context.Context, namespace string, labelSelector string) (*corev1.PodList, error) {
	opts := metav1.ListOptions{}
	if labelSelector != "" {
		opts.LabelSelector = labelSelector
	}

	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	return pods, nil
}
