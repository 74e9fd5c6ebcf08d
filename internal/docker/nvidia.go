package docker

import (
	"context"

	"github.com/docker/docker/api/types/container"
)

// nvidiaProbeImage runs nvidia-smi and exits; if the engine can start it
// with a GPU device request, the nvidia runtime is usable.
const nvidiaProbeImage = "nvidia/cuda:11.0.3-base-ubuntu20.04"

// NVDockerAvailable probes for GPU support by starting a throwaway
// nvidia-smi container. Any failure means no.
func (c *Client) NVDockerAvailable(ctx context.Context) bool {
	created, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image: nvidiaProbeImage,
			Cmd:   []string{"nvidia-smi"},
		},
		&container.HostConfig{
			Resources: container.Resources{
				DeviceRequests: []container.DeviceRequest{{
					Driver:       "nvidia",
					Count:        -1,
					Capabilities: [][]string{{"gpu"}},
				}},
			},
		},
		nil, nil, "")
	if err != nil {
		return false
	}
	defer func() {
		_ = c.api.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
	}()
	return c.api.ContainerStart(ctx, created.ID, container.StartOptions{}) == nil
}
