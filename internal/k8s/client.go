// Package k8s wraps the Kubernetes clientset with the operations the worker
// pool needs to run a task's coding-agent sandbox as a Job, for deployments
// where the orchestrator runs in-cluster and Docker-in-Docker isn't
// available.
package k8s

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	apiv1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// Client is a wrapper around the Kubernetes clientset.
type Client struct {
	Clientset kubernetes.Interface
	Config    clientcmd.ClientConfig
}

// NewClient creates a new Kubernetes client. It will not return an error
// if a kubeconfig is not found, but subsequent calls will fail.
func NewClient() (*Client, error) {
	config, err := clientcmd.NewDefaultClientConfigLoadingRules().Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	clientConfig := clientcmd.NewDefaultClientConfig(*config, &clientcmd.ConfigOverrides{})

	restConfig, err := clientConfig.ClientConfig()
	if err != nil {
		// This can happen if the context is invalid or the cluster is unreachable.
		// We don't want to error out here, as the user may just not have k8s configured.
		return &Client{Config: clientConfig}, nil
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	return &Client{Clientset: clientset, Config: clientConfig}, nil
}

// GetCurrentContext returns the current kubeconfig context.
func (c *Client) GetCurrentContext() (string, error) {
	if c.Config == nil {
		return "", fmt.Errorf("kubeconfig not loaded")
	}
	rawConfig, err := c.Config.RawConfig()
	if err != nil {
		return "", fmt.Errorf("failed to get raw kubeconfig: %w", err)
	}
	if rawConfig.CurrentContext == "" {
		// Check if a kubeconfig file exists at all.
		// If not, we can provide a more helpful message.
		if home, err := os.UserHomeDir(); err == nil {
			if _, err := os.Stat(filepath.Join(home, ".kube", "config")); os.IsNotExist(err) {
				return "", nil // No kubeconfig, not an error state.
			}
		}
		return "", fmt.Errorf("no current context set in kubeconfig")
	}
	return rawConfig.CurrentContext, nil
}

func (c *Client) namespace() (string, error) {
	if c.Config == nil {
		return "default", nil
	}
	ns, _, err := c.Config.Namespace()
	if err != nil {
		return "", fmt.Errorf("failed to get namespace: %w", err)
	}
	if ns == "" {
		return "default", nil
	}
	return ns, nil
}

// JobSpec describes one worker sandbox run as a Kubernetes Job.
type JobSpec struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
}

const jobLabel = "forgeloop-job-name"

// RunJob creates a Job for one task's sandbox, streams its single pod's
// stdout line by line to onLine as it becomes available, waits for the Job
// to reach a terminal state, and deletes the Job and its pods afterward.
// If ctx is cancelled before completion the Job is deleted immediately,
// which evicts the pod and terminates the container — the Kubernetes
// equivalent of the Docker backend's hard kill on timeout.
func (c *Client) RunJob(ctx context.Context, spec JobSpec, onLine func(string)) (int32, error) {
	if c.Clientset == nil {
		return -1, fmt.Errorf("k8s: no clientset configured")
	}
	ns, err := c.namespace()
	if err != nil {
		return -1, err
	}

	env := make([]apiv1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, apiv1.EnvVar{Name: k, Value: v})
	}

	backoffLimit := int32(0)
	ttl := int32(300)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: ns,
			Labels:    map[string]string{jobLabel: spec.Name},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: apiv1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{jobLabel: spec.Name}},
				Spec: apiv1.PodSpec{
					RestartPolicy: apiv1.RestartPolicyNever,
					Containers: []apiv1.Container{
						{
							Name:    "sandbox",
							Image:   spec.Image,
							Command: spec.Command,
							Env:     env,
						},
					},
				},
			},
		},
	}

	if _, err := c.Clientset.BatchV1().Jobs(ns).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return -1, fmt.Errorf("k8s: create job: %w", err)
	}
	defer c.deleteJob(context.Background(), ns, spec.Name)

	podName, err := c.waitForPod(ctx, ns, spec.Name)
	if err != nil {
		return -1, err
	}

	if onLine != nil {
		c.streamLogs(ctx, ns, podName, onLine)
	}

	return c.waitForCompletion(ctx, ns, spec.Name)
}

func (c *Client) waitForPod(ctx context.Context, ns, jobName string) (string, error) {
	selector := fmt.Sprintf("%s=%s", jobLabel, jobName)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		pods, err := c.Clientset.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err == nil && len(pods.Items) > 0 {
			return pods.Items[0].Name, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) streamLogs(ctx context.Context, ns, podName string, onLine func(string)) {
	req := c.Clientset.CoreV1().Pods(ns).GetLogs(podName, &apiv1.PodLogOptions{Follow: true})
	stream, err := req.Stream(ctx)
	if err != nil {
		return
	}
	defer stream.Close()
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
}

func (c *Client) waitForCompletion(ctx context.Context, ns, jobName string) (int32, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := c.Clientset.BatchV1().Jobs(ns).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			return -1, fmt.Errorf("k8s: get job: %w", err)
		}
		if job.Status.Succeeded > 0 {
			return 0, nil
		}
		if job.Status.Failed > 0 {
			return 1, fmt.Errorf("k8s: job %q failed", jobName)
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) deleteJob(ctx context.Context, ns, name string) {
	policy := metav1.DeletePropagationBackground
	_ = c.Clientset.BatchV1().Jobs(ns).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
}
