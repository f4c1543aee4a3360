// Package k8srun implements an alternate execution backend for the
// Provider Port's Run capability: the task command runs as a Kubernetes
// Job instead of a raw OS process or a local container. Like dockerrun, it
// wraps an underlying provider.Provider for Prepare/Claim/Update/Remove.
package k8srun

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"work/internal/provider"
)

type Config struct {
	Namespace      string
	ServiceAccount string
	Image          string
}

type Provider struct {
	provider.Provider
	clientset kubernetes.Interface
	config    Config
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE")
}

// New builds a k8srun.Provider, trying in-cluster config first and
// falling back to ~/.kube/config for local development.
func New(underlying provider.Provider, cfg Config) (*Provider, error) {
	kcfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		kcfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("k8srun: build kube config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(kcfg)
	if err != nil {
		return nil, fmt.Errorf("k8srun: build clientset: %w", err)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	return &Provider{Provider: underlying, clientset: clientset, config: cfg}, nil
}

func (p *Provider) Run(ctx context.Context, metadata provider.Metadata, command string, args []string) (provider.Process, error) {
	jobName := fmt.Sprintf("work-task-%d", time.Now().UnixNano())
	backoffLimit := int32(0)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: p.config.Namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "work"},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"job-name": jobName, "app.kubernetes.io/managed-by": "work"},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "task",
							Image:   p.config.Image,
							Command: append([]string{command}, args...),
						},
					},
				},
			},
		},
	}
	if p.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = p.config.ServiceAccount
	}

	created, err := p.clientset.BatchV1().Jobs(p.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, &provider.TransientStartError{Op: "run", Err: fmt.Errorf("create job: %w", err)}
	}

	return &process{clientset: p.clientset, namespace: p.config.Namespace, jobName: created.Name}, nil
}

// process wraps a running Kubernetes Job. There is no OS pid for a pod
// running on a remote node, so PID reports 0.
type process struct {
	clientset kubernetes.Interface
	namespace string
	jobName   string
	podName   string
}

func (h *process) PID() int { return 0 }

func (h *process) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			j, err := h.clientset.BatchV1().Jobs(h.namespace).Get(ctx, h.jobName, metav1.GetOptions{})
			if err != nil {
				return -1, err
			}
			if j.Status.Succeeded > 0 {
				return 0, nil
			}
			if j.Status.Failed > 0 {
				return 1, fmt.Errorf("kubernetes job %s failed", h.jobName)
			}
		}
	}
}

func (h *process) Stop(ctx context.Context) error {
	propagation := metav1.DeletePropagationForeground
	return h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
}

func (h *process) Logs() io.ReadCloser {
	if h.podName == "" {
		pods, err := h.clientset.CoreV1().Pods(h.namespace).List(context.Background(), metav1.ListOptions{
			LabelSelector: fmt.Sprintf("job-name=%s", h.jobName),
		})
		if err != nil || len(pods.Items) == 0 {
			return io.NopCloser(bytes.NewReader(nil))
		}
		h.podName = pods.Items[0].Name
	}
	req := h.clientset.CoreV1().Pods(h.namespace).GetLogs(h.podName, &corev1.PodLogOptions{Container: "task", Follow: true})
	rc, err := req.Stream(context.Background())
	if err != nil {
		return io.NopCloser(bytes.NewReader(nil))
	}
	return rc
}
