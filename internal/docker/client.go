package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// APIClient defines the subset of Docker API methods we use.
// This allows for mocking in tests.
type APIClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ServerVersion(ctx context.Context) (types.Version, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (types.ImageBuildResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerExecCreate(ctx context.Context, container string, config container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Client wraps the official Docker client to provide high-level orchestration methods.
type Client struct {
	api     APIClient
	project string
}

// NewClient creates a new Docker client instance scoped to project, used to
// label and recognize the containers this orchestrator owns. An empty
// project defaults to "unknown".
func NewClient(project string) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if project == "" {
		project = "unknown"
	}
	return &Client{api: cli, project: project}, nil
}

// Close closes the underlying docker client connection.
func (c *Client) Close() error {
	return c.api.Close()
}

// CheckDaemon verifies that the Docker daemon is running and reachable.
func (c *Client) CheckDaemon(ctx context.Context) error {
	_, err := c.api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon is not reachable: %w", err)
	}
	return nil
}

// CheckSocket verifies that the Docker socket is accessible.
// This is essentially the same as CheckDaemon, but provides a more specific error message.
func (c *Client) CheckSocket(ctx context.Context) error {
	_, err := c.api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker socket is not accessible: %w", err)
	}
	return nil
}

// CheckImage verifies that a required Docker image exists locally.
// Returns true if the image exists, false otherwise.
func (c *Client) CheckImage(ctx context.Context, imageRef string) (bool, error) {
	images, err := c.api.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}

	// Normalize image reference: if no tag specified, assume :latest
	normalizedRef := imageRef
	if !strings.Contains(imageRef, ":") {
		normalizedRef = imageRef + ":latest"
	}

	// Check if the image exists by comparing repository tags
	for _, img := range images {
		for _, tag := range img.RepoTags {
			// Exact match
			if tag == imageRef || tag == normalizedRef {
				return true, nil
			}
		}
		// Check by image ID (short or full)
		if len(img.ID) >= 12 && len(imageRef) >= 12 && imageRef == img.ID[:12] {
			return true, nil
		}
		if imageRef == img.ID {
			return true, nil
		}
	}

	return false, nil
}

// PullImage pulls a Docker image from the registry.
// It returns an error if the pull fails.
// Progress logging should be handled by the caller.
func (c *Client) PullImage(ctx context.Context, imageRef string) error {
	reader, err := c.api.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	defer reader.Close()

	// Parse pull output to check for errors
	decoder := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			// Continue parsing even if one message fails
			continue
		}

		// Check for pull errors
		if msg.Error != nil {
			return fmt.Errorf("pull failed: %s", msg.Error.Message)
		}
	}

	return nil
}

// RunContainer starts a container with the specified image, mounts the
// workspace at /workspace alongside any extraBinds, and applies env and user
// to the container. It returns the container ID or an error.
func (c *Client) RunContainer(ctx context.Context, imageRef string, workspace string, extraBinds []string, env []string, user string) (string, error) {
	// 1. Pull Image (Best effort)
	reader, err := c.api.ImagePull(ctx, imageRef, image.PullOptions{})
	if err == nil {
		defer reader.Close()
		io.Copy(io.Discard, reader) // Drain output
	}

	binds := append([]string{fmt.Sprintf("%s:/workspace", workspace)}, extraBinds...)

	// 2. Create Container
	resp, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:      imageRef,
			Tty:        true, // Keep it running
			OpenStdin:  true, // Keep stdin open
			WorkingDir: "/workspace",
			Cmd:        []string{"/bin/sh"}, // Default command to keep it alive
			Env:        env,
			User:       user,
		},
		&container.HostConfig{
			Binds: binds,
		}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	// 3. Start Container
	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

// TaskSpec describes one ephemeral worker sandbox run.
type TaskSpec struct {
	Image  string
	Cmd    []string
	Env    []string
	Stdin  []byte
	CPU    int64 // nano CPUs; 0 means unlimited
	Memory int64 // bytes; 0 means unlimited
}

// RunTask creates a container, writes Stdin to it, streams combined
// stdout+stderr line by line to onLine, blocks until the container exits
// or ctx is cancelled, and always removes the container on the way out.
// This is the sandbox contract the worker pool dispatches a task through:
// one process, the JSON payload as the command's last argument (the pool
// leaves Stdin empty), NDJSON on stdout, a hard kill on timeout.
func (c *Client) RunTask(ctx context.Context, spec TaskSpec, onLine func(string)) (int64, error) {
	resp, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Cmd,
			Env:          spec.Env,
			OpenStdin:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			StdinOnce:    true,
		},
		&container.HostConfig{
			Resources: container.Resources{
				NanoCPUs: spec.CPU,
				Memory:   spec.Memory,
			},
		}, nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("failed to create task container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		_ = c.api.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	hijacked, err := c.api.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to attach to task container: %w", err)
	}
	defer hijacked.Close()

	if err := c.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("failed to start task container: %w", err)
	}

	if len(spec.Stdin) > 0 {
		if _, err := hijacked.Conn.Write(spec.Stdin); err != nil {
			return -1, fmt.Errorf("failed to write task stdin: %w", err)
		}
	}
	if closer, ok := hijacked.Conn.(interface{ CloseWrite() error }); ok {
		_ = closer.CloseWrite()
	}

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		defer func() { recover() }() // onLine is caller-owned; a panic there must not crash the reader goroutine
		r, w := io.Pipe()
		go func() {
			_, _ = stdcopy.StdCopy(w, w, hijacked.Reader)
			w.Close()
		}()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			onLine(scanner.Text())
		}
	}()

	waitCh, errCh := c.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	var waitErr error
	select {
	case err := <-errCh:
		waitErr = fmt.Errorf("failed waiting for task container: %w", err)
	case result := <-waitCh:
		exitCode = result.StatusCode
		if result.Error != nil {
			waitErr = fmt.Errorf("task container exited with error: %s", result.Error.Message)
		}
	case <-ctx.Done():
		_ = c.api.ContainerStop(context.Background(), containerID, container.StopOptions{})
		exitCode, waitErr = -1, ctx.Err()
	}

	// The container has stopped; give the log drain a moment to flush its
	// last lines (the contract relies on the final line, a Handoff) before
	// returning.
	select {
	case <-logsDone:
	case <-time.After(2 * time.Second):
	}

	return exitCode, waitErr
}

// Exec executes a command in a running container and returns the output
// (stdout + stderr). It returns an error if the command exits non-zero.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string) (string, error) {
	return c.execAs(ctx, containerID, "", cmd)
}

// ExecAsUser is Exec, but runs the command as the given container user.
func (c *Client) ExecAsUser(ctx context.Context, containerID string, user string, cmd []string) (string, error) {
	return c.execAs(ctx, containerID, user, cmd)
}

func (c *Client) execAs(ctx context.Context, containerID string, user string, cmd []string) (string, error) {
	execConfig := container.ExecOptions{
		Cmd:          cmd,
		User:         user,
		WorkingDir:   "/workspace",
		AttachStdout: true,
		AttachStderr: true,
	}

	respID, err := c.api.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return "", fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := c.api.ContainerExecAttach(ctx, respID.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	var outBuf, errBuf bytes.Buffer
	// stdcopy.StdCopy demultiplexes the stream if Tty is false.
	// If Tty is true in ExecConfig, it's a raw stream.
	// We didn't set Tty in ExecConfig, so it defaults to false.
	_, err = stdcopy.StdCopy(&outBuf, &errBuf, resp.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to copy exec output: %w", err)
	}
	output := outBuf.String() + errBuf.String()

	inspect, err := c.api.ContainerExecInspect(ctx, respID.ID)
	if err != nil {
		return output, fmt.Errorf("failed to inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return output, fmt.Errorf("command exited with code %d", inspect.ExitCode)
	}

	return output, nil
}

// ExecInteractive runs cmd in containerID with a TTY attached, relaying
// stdin/stdout on the calling process's own streams until the command exits.
// It returns an error if the command exits non-zero.
func (c *Client) ExecInteractive(ctx context.Context, containerID string, cmd []string) error {
	execConfig := container.ExecOptions{
		Cmd:          cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	respID, err := c.api.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return fmt.Errorf("failed to create interactive exec: %w", err)
	}

	resp, err := c.api.ContainerExecAttach(ctx, respID.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return fmt.Errorf("failed to attach interactive exec: %w", err)
	}
	defer resp.Close()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(os.Stdout, resp.Reader)
		close(done)
	}()
	go func() {
		_, _ = io.Copy(resp.Conn, os.Stdin)
	}()
	<-done

	inspect, err := c.api.ContainerExecInspect(ctx, respID.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect interactive exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("command exited with code %d", inspect.ExitCode)
	}
	return nil
}

// RemoveContainer removes containerID, optionally forcing removal of a
// still-running container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	return c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
}

// ListContainers lists containers matching options.
func (c *Client) ListContainers(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	return c.api.ContainerList(ctx, options)
}

// ServerVersion returns the Docker daemon's version information.
func (c *Client) ServerVersion(ctx context.Context) (types.Version, error) {
	return c.api.ServerVersion(ctx)
}

// ImageExists reports whether tag is already present locally.
func (c *Client) ImageExists(ctx context.Context, tag string) (bool, error) {
	return c.CheckImage(ctx, tag)
}

// StopContainer stops and removes the container.
func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	// Stop
	if err := c.api.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		// Just log error?
	}
	
	// Remove
	return c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// ImageBuildOptions configures how an image is built.
type ImageBuildOptions struct {
	// BuildContext is the tar stream containing the build context.
	BuildContext io.Reader
	// Dockerfile is the path to the Dockerfile within the build context (default: "Dockerfile").
	Dockerfile string
	// Tag is the image tag to apply (e.g., "myimage:latest").
	Tag string
	// BuildArgs are build-time variables (e.g., map[string]*string{"VERSION": "1.0"}).
	BuildArgs map[string]*string
	// NoCache disables build cache if true.
	NoCache bool
}

// ImageBuild builds a Docker image from a build context and returns the image ID.
// Build progress is not logged; when the output names no image ID, the tag is returned.
func (c *Client) ImageBuild(ctx context.Context, opts ImageBuildOptions) (string, error) {
	if opts.BuildContext == nil {
		return "", fmt.Errorf("build context is required")
	}
	if opts.Tag == "" {
		return "", fmt.Errorf("image tag is required")
	}
	if opts.Dockerfile == "" {
		opts.Dockerfile = "Dockerfile"
	}

	buildOptions := build.ImageBuildOptions{
		Dockerfile: opts.Dockerfile,
		Tags:       []string{opts.Tag},
		BuildArgs:  opts.BuildArgs,
		NoCache:    opts.NoCache,
		Remove:     true, // Remove intermediate containers
	}

	resp, err := c.api.ImageBuild(ctx, opts.BuildContext, buildOptions)
	if err != nil {
		return "", fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	// Parse build output to extract image ID
	var imageID string
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			// Continue parsing even if one message fails
			continue
		}

		// Check for build errors
		if msg.Error != nil {
			return "", fmt.Errorf("build failed: %s", msg.Error.Message)
		}

		// Extract image ID from "Successfully built" message
		if msg.Stream != "" {
			if bytes.Contains([]byte(msg.Stream), []byte("Successfully built")) {
				// Try to extract image ID from stream
				// Format: "Successfully built <image-id>\n"
				parts := bytes.Fields([]byte(msg.Stream))
				if len(parts) >= 2 {
					imageID = string(parts[len(parts)-1])
				}
			}
		}

		// Also check Aux field for image ID
		if msg.Aux != nil {
			var aux map[string]interface{}
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil {
				if id, ok := aux["ID"].(string); ok && id != "" {
					imageID = id
				}
			}
		}
	}

	if imageID == "" {
		// If we couldn't extract image ID, try to infer from tag
		// This is a fallback - ideally we should always get it from build output
		return opts.Tag, nil
	}

	return imageID, nil
}