// Package dockerrun implements an alternate execution backend for the
// Provider Port's Run capability: instead of exec-ing the task command as
// a raw OS process, it runs it inside a container image via the Docker
// SDK. Prepare/Claim/Update/Remove are delegated to an underlying
// provider.Provider (typically the script provider) since Docker doesn't
// itself provision a workspace.
package dockerrun

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"work/internal/provider"
)

// Provider wraps an underlying provider.Provider and overrides Run to
// execute inside a container built from Image.
type Provider struct {
	provider.Provider
	client *client.Client
	Image  string
}

func New(underlying provider.Provider, dockerImage string) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockerrun: create docker client: %w", err)
	}
	return &Provider{Provider: underlying, client: cli, Image: dockerImage}, nil
}

func (p *Provider) Run(ctx context.Context, metadata provider.Metadata, command string, args []string) (provider.Process, error) {
	if _, _, err := p.client.ImageInspectWithRaw(ctx, p.Image); err != nil {
		reader, pullErr := p.client.ImagePull(ctx, p.Image, image.PullOptions{})
		if pullErr != nil {
			return nil, &provider.TransientStartError{Op: "run", Err: fmt.Errorf("pull image %s: %w", p.Image, pullErr)}
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	cfg := &container.Config{
		Image: p.Image,
		Cmd:   append([]string{command}, args...),
		Tty:   false,
	}
	created, err := p.client.ContainerCreate(ctx, cfg, nil, nil, nil, "")
	if err != nil {
		return nil, &provider.TransientStartError{Op: "run", Err: fmt.Errorf("create container: %w", err)}
	}
	if err := p.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, &provider.TransientStartError{Op: "run", Err: fmt.Errorf("start container: %w", err)}
	}

	return &process{client: p.client, containerID: created.ID}, nil
}

// process wraps a running Docker container. A container has no OS-visible
// pid on the host, so PID reports 0 and no pid is recorded for the task;
// startup task recovery (spec.md §9, scenario S3) marks a task on this
// backend that was left running as failed ("process lost").
type process struct {
	client      *client.Client
	containerID string
}

func (h *process) PID() int { return 0 }

func (h *process) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (h *process) Stop(ctx context.Context) error {
	timeout := 5
	return h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout})
}

func (h *process) Logs() io.ReadCloser {
	rc, err := h.client.ContainerLogs(context.Background(), h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return io.NopCloser(bytes.NewReader(nil))
	}
	return rc
}
