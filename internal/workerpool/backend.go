package workerpool

import (
	"context"

	"forgeloop/internal/docker"
	"forgeloop/internal/k8s"
)

// DockerBackend runs each sandbox as a throwaway container via the Docker
// client's RunTask, the default backend for a single-host deployment.
type DockerBackend struct {
	Client *docker.Client
	Image  string
}

func (b DockerBackend) Run(ctx context.Context, spec Spec, onLine func(string)) (int64, error) {
	return b.Client.RunTask(ctx, docker.TaskSpec{
		Image:  firstNonEmpty(spec.Image, b.Image),
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Stdin:  spec.Stdin,
		CPU:    spec.CPU,
		Memory: spec.Memory,
	}, onLine)
}

// K8sBackend runs each sandbox as a Kubernetes Job via the client's RunJob,
// for deployments where the orchestrator itself runs in-cluster.
type K8sBackend struct {
	Client *k8s.Client
	Image  string
	Name   func() string // generates a unique Job name per dispatch
}

func (b K8sBackend) Run(ctx context.Context, spec Spec, onLine func(string)) (int64, error) {
	env := make(map[string]string, len(spec.Env))
	for _, kv := range spec.Env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	name := "forgeloop-task"
	if b.Name != nil {
		name = b.Name()
	}
	code, err := b.Client.RunJob(ctx, k8s.JobSpec{
		Name:    name,
		Image:   firstNonEmpty(spec.Image, b.Image),
		Command: spec.Cmd,
		Env:     env,
	}, onLine)
	return int64(code), err
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
