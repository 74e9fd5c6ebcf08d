package docker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
)

// serviceByPort names the container ports the desktop images expose.
var serviceByPort = map[nat.Port]string{
	"5901/tcp": "vnc",
	"6901/tcp": "novnc",
	"22/tcp":   "ssh",
}

const dialTimeout = time.Second

// servicePorts maps the known services to their published host ports.
func servicePorts(settings *types.NetworkSettings) map[string]string {
	out := make(map[string]string, len(serviceByPort))
	if settings == nil {
		return out
	}
	for port, service := range serviceByPort {
		bindings := settings.Ports[port]
		if len(bindings) == 0 || bindings[0].HostPort == "" {
			continue
		}
		out[service] = bindings[0].HostPort
	}
	return out
}

// PortInUse reports whether something accepts TCP connections on
// host:port right now.
func PortInUse(host string, port uint16) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))), dialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// PortUsedByContainer reports whether any container, running or not,
// publishes the given host port.
func (c *Client) PortUsedByContainer(ctx context.Context, port uint16) (bool, error) {
	used, err := c.publishedPorts(ctx)
	if err != nil {
		return false, err
	}
	_, taken := used[port]
	return taken, nil
}

// FindFreePorts scans upward from the unprivileged range and returns
// count ports that no container publishes and that nothing on host
// currently accepts connections on.
func (c *Client) FindFreePorts(ctx context.Context, host string, count int) ([]uint16, error) {
	used, err := c.publishedPorts(ctx)
	if err != nil {
		return nil, err
	}
	free := func(port uint16) bool {
		if _, taken := used[port]; taken {
			return false
		}
		return !PortInUse(host, port)
	}
	return pickFreePorts(1024, count, free), nil
}

func (c *Client) publishedPorts(ctx context.Context) (map[uint16]struct{}, error) {
	summaries, err := c.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	used := make(map[uint16]struct{})
	for _, summary := range summaries {
		for _, p := range summary.Ports {
			if p.PublicPort != 0 {
				used[p.PublicPort] = struct{}{}
			}
		}
	}
	return used, nil
}

// pickFreePorts walks the port space from start and collects the first
// count ports the predicate accepts.
func pickFreePorts(start uint16, count int, free func(uint16) bool) []uint16 {
	out := make([]uint16, 0, count)
	for port := int(start); port <= 65535 && len(out) < count; port++ {
		if free(uint16(port)) {
			out = append(out, uint16(port))
		}
	}
	return out
}
