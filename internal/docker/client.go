package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// NamePrefix is shared with the orphan sweep: every container this
// service creates carries it.
const NamePrefix = "noxterm-session-"

const labelPrefix = "noxterm."

// ContainerName derives the container name from a session id: the
// prefix plus the first 12 hex characters of the id.
func ContainerName(sessionID string) string {
	hex := strings.ReplaceAll(sessionID, "-", "")
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return NamePrefix + hex
}

type Client struct {
	docker *client.Client
	logger *slog.Logger
}

func New(logger *slog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

// EnsureImage pulls the image unless it is already present.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	f := filters.NewArgs()
	f.Add("reference", ref)
	images, err := c.docker.ImageList(ctx, image.ListOptions{Filters: f})
	if err != nil {
		return fmt.Errorf("image list: %w", err)
	}
	if len(images) > 0 {
		return nil
	}

	reader, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	defer reader.Close()
	// Pull completes when the progress stream ends.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	return nil
}

type CreateOpts struct {
	SessionID    string
	Tenant       string
	Image        string
	MemoryBytes  int64
	CPUQuota     int64
	CPUPeriod    int64
	PidsLimit    int64
	ReadonlyRoot bool
	// SocksProxy, when set, wires the container for proxied egress
	// through the host gateway ("host:port" as seen from inside).
	SocksProxy string
}

// startupScript provisions the base tooling and then parks PID 1.
const startupScript = `apt-get update && ` +
	`DEBIAN_FRONTEND=noninteractive apt-get install -y nano vim curl wget git htop neofetch locales && ` +
	`locale-gen en_US.UTF-8 && ` +
	`tail -f /dev/null`

// CreateAndStart creates and starts a session container. The caller
// owns binding the returned id to the session row.
func (c *Client) CreateAndStart(ctx context.Context, opts CreateOpts) (id, name string, err error) {
	name = ContainerName(opts.SessionID)

	env := []string{
		"TERM=xterm-256color",
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		"DEBIAN_FRONTEND=noninteractive",
		"HOME=/root",
		"SHELL=/bin/bash",
	}
	if opts.SocksProxy != "" {
		env = append(env,
			"NOXTERM_PRIVACY=enabled",
			"NOXTERM_SOCKS_PROXY="+opts.SocksProxy,
		)
	}

	resources := container.Resources{
		Memory:     opts.MemoryBytes,
		MemorySwap: opts.MemoryBytes, // no swap headroom
		CPUQuota:   opts.CPUQuota,
		CPUPeriod:  opts.CPUPeriod,
		PidsLimit:  int64Ptr(opts.PidsLimit),
	}

	hostCfg := &container.HostConfig{
		Resources:      resources,
		AutoRemove:     true,
		ReadonlyRootfs: opts.ReadonlyRoot,
		NetworkMode:    "bridge",
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		// the minimum for apt and interactive shells as root
		CapAdd: []string{"SETUID", "SETGID", "CHOWN", "DAC_OVERRIDE", "FOWNER"},
	}

	containerCfg := &container.Config{
		Image:      opts.Image,
		Hostname:   "noxterm",
		Env:        env,
		WorkingDir: "/root",
		Cmd:        []string{"/bin/bash", "-c", startupScript},
		Labels: map[string]string{
			labelPrefix + "session_id": opts.SessionID,
			labelPrefix + "user_id":    opts.Tenant,
			labelPrefix + "managed":    "true",
		},
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", "", fmt.Errorf("container create: %w", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", "", fmt.Errorf("container start: %w", err)
	}

	return resp.ID, name, nil
}

// WaitReady polls until the provisioning script has installed the base
// tooling. Bounded by retries and the context; a timeout is reported
// so the caller can log and proceed with a partially provisioned
// container.
func (c *Client) WaitReady(ctx context.Context, containerID string) error {
	const maxRetries = 40
	const retryDelay = 3 * time.Second

	for i := 0; i < maxRetries; i++ {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		out, err := c.RunCommand(probeCtx, containerID, "which nano && echo ready")
		cancel()
		if err == nil && strings.Contains(out, "ready") {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return fmt.Errorf("container %s not ready after %d probes", containerID[:12], maxRetries)
}

// StopAndRemove gracefully stops (10s) then force-removes. A container
// the runtime no longer knows counts as success on both steps.
func (c *Client) StopAndRemove(ctx context.Context, containerID string) error {
	timeout := 10
	err := c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		// force remove below kills whatever stop left behind
		c.logger.Warn("container stop failed", "container_id", containerID, "error", err)
	}

	err = c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// IsRunning reports the runtime's view; an unknown container is not
// running rather than an error.
func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State.Running, nil
}

// ContainerInfo identifies one service-owned container.
type ContainerInfo struct {
	ID        string
	Name      string
	SessionID string
}

// ListSessionContainers returns every container carrying the service
// name prefix, running or not.
func (c *Client) ListSessionContainers(ctx context.Context) ([]ContainerInfo, error) {
	f := filters.NewArgs()
	f.Add("name", NamePrefix)

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var result []ContainerInfo
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		if !strings.HasPrefix(name, NamePrefix) {
			continue
		}
		result = append(result, ContainerInfo{
			ID:        ctr.ID,
			Name:      name,
			SessionID: ctr.Labels[labelPrefix+"session_id"],
		})
	}
	return result, nil
}

// Stats is one resource usage sample.
type Stats struct {
	CPUPercent  float64
	MemoryUsage int64
	MemoryLimit int64
	NetworkRx   int64
	NetworkTx   int64
}

// StatsSample takes a one-shot stats reading.
func (c *Client) StatsSample(ctx context.Context, containerID string) (*Stats, error) {
	resp, err := c.docker.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}

	stats := &Stats{
		MemoryUsage: int64(raw.MemoryStats.Usage),
		MemoryLimit: int64(raw.MemoryStats.Limit),
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta >= 0 {
		online := float64(raw.CPUStats.OnlineCPUs)
		if online == 0 {
			online = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		if online == 0 {
			online = 1
		}
		stats.CPUPercent = cpuDelta / sysDelta * online * 100.0
	}

	for _, net := range raw.Networks {
		stats.NetworkRx += int64(net.RxBytes)
		stats.NetworkTx += int64(net.TxBytes)
	}
	return stats, nil
}

// TTYSession is a live interactive exec: raw terminal bytes flow in
// both directions, no stream framing. Reads go through Reader (it may
// hold buffered bytes); deadlines are set on Conn.
type TTYSession struct {
	ExecID string
	Conn   net.Conn
	Reader *bufio.Reader
	docker *client.Client
}

// Resize adjusts the exec's terminal dimensions.
func (t *TTYSession) Resize(ctx context.Context, cols, rows uint) error {
	return t.docker.ContainerExecResize(ctx, t.ExecID, container.ResizeOptions{
		Width:  cols,
		Height: rows,
	})
}

// Running reports whether the exec's process is still alive.
func (t *TTYSession) Running(ctx context.Context) (bool, error) {
	info, err := t.docker.ContainerExecInspect(ctx, t.ExecID)
	if err != nil {
		return false, err
	}
	return info.Running, nil
}

func (t *TTYSession) Close() error {
	return t.Conn.Close()
}

// ExecShell starts an interactive TTY exec running cmd and attaches to
// it. With a TTY the stream is raw: no stdout/stderr framing.
func (c *Client) ExecShell(ctx context.Context, containerID string, cmd []string, env []string) (*TTYSession, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   "/root",
	}
	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return &TTYSession{
		ExecID: execResp.ID,
		Conn:   attach.Conn,
		Reader: attach.Reader,
		docker: c.docker,
	}, nil
}

// RunCommand executes one command through the login shell and returns
// the combined output. Bounded by ctx.
func (c *Client) RunCommand(ctx context.Context, containerID, command string) (string, error) {
	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/bash", "-lc", command},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   "/root",
	}
	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}

	attach, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	// Interleave stdout and stderr in arrival order.
	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&buf, &buf, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return buf.String(), fmt.Errorf("exec read: %w", err)
		}
		return buf.String(), nil
	case <-ctx.Done():
		attach.Close()
		<-done
		return buf.String(), ctx.Err()
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}
