package mcp

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
)

// dockerCLI drives container lifecycle for container-backed MCP servers by
// shelling out to the docker (or compatible) binary. The gateway manages
// few containers with long lifetimes, so CLI invocation keeps the
// dependency surface to one binary on PATH.
type dockerCLI struct {
	bin string
}

func newDockerCLI(bin string) *dockerCLI {
	if bin == "" {
		bin = "docker"
	}
	return &dockerCLI{bin: bin}
}

func (d *dockerCLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %w (%s)", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Pull fetches image. Missing-locally is the common case on first start;
// pulling every time also picks up retagged images.
func (d *dockerCLI) Pull(ctx context.Context, image string) error {
	_, err := d.run(ctx, "pull", image)
	return err
}

// containerSpec describes one MCP server container.
type containerSpec struct {
	Name     string
	Image    string
	Env      map[string]string
	Volumes  []string
	Port     int // container port to publish; 0 for stdio servers
	HostPort int
	Command  string
	Args     []string
	Labels   map[string]string
}

// Start launches a detached container and returns its id.
func (d *dockerCLI) Start(ctx context.Context, spec containerSpec) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name}
	for k, v := range spec.Labels {
		args = append(args, "--label", k+"="+v)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	for _, vol := range spec.Volumes {
		args = append(args, "-v", vol)
	}
	if spec.Port > 0 {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1:%d:%d", spec.HostPort, spec.Port))
	}
	args = append(args, spec.Image)
	if spec.Command != "" {
		args = append(args, spec.Command)
	}
	args = append(args, spec.Args...)

	return d.run(ctx, args...)
}

// Running reports whether the container is currently in the running state.
func (d *dockerCLI) Running(ctx context.Context, containerID string) bool {
	out, err := d.run(ctx, "inspect", "-f", "{{.State.Running}}", containerID)
	return err == nil && out == "true"
}

// StopAndRemove stops (with a grace period) and removes the container.
// Both steps are best-effort: a container that already exited still needs
// the remove, and one already removed needs neither.
func (d *dockerCLI) StopAndRemove(ctx context.Context, containerID string) {
	_, _ = d.run(ctx, "stop", "-t", "5", containerID)
	_, _ = d.run(ctx, "rm", "-f", containerID)
}

// freePort asks the kernel for an unused localhost TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// stdioAttachConfig rewrites cfg so the stdio transport talks to a
// container's stdin/stdout: the MCP process runs under `docker run -i`
// with the requested env and volumes, and the transport owns the docker
// process itself.
func stdioAttachConfig(cfg *ServerConfig, bin, containerName string) *ServerConfig {
	attached := *cfg
	attached.Command = bin
	args := []string{"run", "-i", "--rm", "--name", containerName}
	for k, v := range cfg.Env {
		args = append(args, "-e", k+"="+v)
	}
	for _, vol := range cfg.Volumes {
		args = append(args, "-v", vol)
	}
	args = append(args, cfg.Image)
	if cfg.Command != "" && cfg.Command != bin {
		args = append(args, cfg.Command)
	}
	args = append(args, cfg.Args...)
	attached.Args = args
	attached.Env = nil
	return &attached
}
