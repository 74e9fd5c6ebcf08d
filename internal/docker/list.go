package docker

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"

	"github.com/devdock/devdock/internal/models"
)

// ListContainers returns every container whose image matches imagePrefix,
// enriched with inspect data. Containers that disappear between the list
// and the inspect are skipped rather than failing the whole listing.
func (c *Client) ListContainers(ctx context.Context, imagePrefix string) ([]models.ContainerInfo, error) {
	summaries, err := c.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]models.ContainerInfo, 0, len(summaries))
	for _, summary := range summaries {
		if imagePrefix != "" && !strings.Contains(summary.Image, imagePrefix) {
			continue
		}
		inspect, _, err := c.api.ContainerInspectWithRaw(ctx, summary.ID, true)
		if err != nil {
			continue
		}
		info := models.ContainerInfo{
			ID:       summary.ID,
			Name:     strings.TrimPrefix(inspect.Name, "/"),
			ShortID:  shortID(summary.ID),
			ImageTag: summary.Image,
			Ports:    servicePorts(inspect.NetworkSettings),
		}
		if inspect.State != nil {
			info.Status = inspect.State.Status
		}
		if inspect.Config != nil {
			info.Command = inspect.Config.Cmd
		}
		if inspect.HostConfig != nil {
			info.Privileged = inspect.HostConfig.Privileged
			for _, req := range inspect.HostConfig.DeviceRequests {
				if req.Driver == "nvidia" {
					info.NVDocker = true
				}
			}
		}
		if inspect.SizeRw != nil {
			info.SizeRaw = *inspect.SizeRw
		}
		if inspect.SizeRootFs != nil {
			info.SizeFS = *inspect.SizeRootFs
		}
		out = append(out, info)
	}
	return out, nil
}

// ListImages returns the locally pulled images whose tags contain match.
func (c *Client) ListImages(ctx context.Context, match string) ([]models.ImageInfo, error) {
	summaries, err := c.api.ImageList(ctx, image.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	out := make([]models.ImageInfo, 0, len(summaries))
	for _, summary := range summaries {
		tags := matchingTags(summary.RepoTags, match)
		if len(tags) == 0 {
			continue
		}
		out = append(out, models.ImageInfo{
			ID:      summary.ID,
			Size:    sizeMB(summary.Size),
			ShortID: imageShortID(summary.ID),
			Name:    tags[0],
			Tags:    tags,
		})
	}
	return out, nil
}

// SystemInfo reports a trimmed view of the engine's host facts.
func (c *Client) SystemInfo(ctx context.Context) (map[string]any, error) {
	info, err := c.api.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("docker info: %w", err)
	}
	return map[string]any{
		"name":           info.Name,
		"server_version": info.ServerVersion,
		"os":             info.OperatingSystem,
		"os_type":        info.OSType,
		"kernel_version": info.KernelVersion,
		"ncpu":           info.NCPU,
		"mem_total":      info.MemTotal,
		"containers":     info.Containers,
		"images":         info.Images,
	}, nil
}

// ConsoleMeta collects what the console page shows before its WebSocket
// opens.
func (c *Client) ConsoleMeta(ctx context.Context, id, action string) (models.ConsoleMeta, error) {
	inspect, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		return models.ConsoleMeta{}, fmt.Errorf("inspect container %s: %w", shortID(id), err)
	}
	meta := models.ConsoleMeta{
		ID:            inspect.ID,
		ContainerName: strings.TrimPrefix(inspect.Name, "/"),
		ShortID:       shortID(inspect.ID),
		Action:        action,
	}
	if inspect.Config != nil {
		meta.Image = inspect.Config.Image
		meta.Command = strings.Join(inspect.Config.Cmd, " ")
	}
	return meta, nil
}

func matchingTags(tags []string, match string) []string {
	if match == "" {
		return tags
	}
	var out []string
	for _, tag := range tags {
		if strings.Contains(tag, match) {
			out = append(out, tag)
		}
	}
	return out
}

// sizeMB converts bytes to megabytes rounded to two decimals.
func sizeMB(bytes int64) float64 {
	return math.Round(float64(bytes)/1e6*100) / 100
}

// imageShortID strips the sha256: prefix and keeps twelve hex digits.
func imageShortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}
