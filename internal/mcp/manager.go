package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopgateway/loopgw/internal/agent"
	"github.com/loopgateway/loopgw/internal/infra"
)

// ServerState tracks one managed MCP server's lifecycle.
type ServerState string

const (
	StateStopped  ServerState = "stopped"
	StateStarting ServerState = "starting"
	StateRunning  ServerState = "running"
	StateError    ServerState = "error"
)

// containerLabel marks containers this gateway owns so `docker ps` can
// tell them apart from everything else on the host.
const containerLabel = "loopgw.mcp"

// Config holds the MCP manager configuration.
type Config struct {
	Enabled   bool            `yaml:"enabled"`
	DockerBin string          `yaml:"docker_bin"`
	Servers   []*ServerConfig `yaml:"servers"`
}

// managedServer is the runtime state for one configured server.
type managedServer struct {
	cfg         *ServerConfig
	client      *Client
	state       ServerState
	containerID string
	hostPort    int
	lastError   string
	tools       []*MCPTool
	bridged     []string
}

// Manager owns the full per-server lifecycle: container start, client
// connect, tool bridging into the agent runtime, periodic health checks
// with a single reconnect attempt, and teardown in reverse order.
type Manager struct {
	config  *Config
	docker  *dockerCLI
	runtime *agent.Runtime
	exec    *infra.Resilience
	logger  *slog.Logger

	mu      sync.RWMutex
	servers map[string]*managedServer
}

// NewManager creates a manager. runtime may be nil when the manager is
// used standalone (doctor command); bridged tools then have nowhere to go
// and bridging is skipped.
func NewManager(cfg *Config, runtime *agent.Runtime, exec *infra.Resilience, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{}
	}
	m := &Manager{
		config:  cfg,
		docker:  newDockerCLI(cfg.DockerBin),
		runtime: runtime,
		exec:    exec,
		logger:  logger.With("component", "mcp"),
		servers: make(map[string]*managedServer),
	}
	for _, sc := range cfg.Servers {
		m.servers[sc.ID] = &managedServer{cfg: sc, state: StateStopped}
	}
	return m
}

// Start brings up every auto-start server. A server that fails to start is
// marked error and does not block the others.
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.Debug("MCP disabled")
		return nil
	}
	for _, sc := range m.config.Servers {
		if !sc.AutoStart {
			continue
		}
		if err := m.StartServer(ctx, sc.ID); err != nil {
			m.logger.Error("MCP server failed to start", "server", sc.ID, "error", err)
		}
	}
	return nil
}

// StartServer runs the full start path for one server: pull image, find a
// host port (sse), start the container, connect the client, list tools,
// and bridge them into the runtime.
func (m *Manager) StartServer(ctx context.Context, serverID string) error {
	m.mu.Lock()
	srv, ok := m.servers[serverID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mcp: server %q not configured", serverID)
	}
	if srv.state == StateRunning || srv.state == StateStarting {
		m.mu.Unlock()
		return nil
	}
	srv.state = StateStarting
	srv.lastError = ""
	m.mu.Unlock()

	if err := m.startLocked(ctx, srv); err != nil {
		m.mu.Lock()
		srv.state = StateError
		srv.lastError = err.Error()
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	srv.state = StateRunning
	m.mu.Unlock()
	m.logger.Info("MCP server running", "server", serverID, "tools", len(srv.tools))
	return nil
}

// startLocked performs the start sequence; srv fields other than state are
// only touched here and in stopServer, both serialized per server by the
// starting/running state gate.
func (m *Manager) startLocked(ctx context.Context, srv *managedServer) error {
	cfg := srv.cfg
	clientCfg := cfg

	if cfg.Image != "" {
		if err := m.docker.Pull(ctx, cfg.Image); err != nil {
			m.logger.Warn("image pull failed, trying local image", "server", cfg.ID, "error", err)
		}
		name := "loopgw-mcp-" + cfg.ID

		switch cfg.Transport {
		case TransportSSE, TransportHTTP:
			port, err := freePort()
			if err != nil {
				return err
			}
			containerID, err := m.docker.Start(ctx, containerSpec{
				Name:     name,
				Image:    cfg.Image,
				Env:      cfg.Env,
				Volumes:  cfg.Volumes,
				Port:     cfg.Port,
				HostPort: port,
				Command:  cfg.Command,
				Args:     cfg.Args,
				Labels:   map[string]string{containerLabel: cfg.ID},
			})
			if err != nil {
				return err
			}
			srv.containerID = containerID
			srv.hostPort = port

			remote := *cfg
			remote.URL = fmt.Sprintf("http://127.0.0.1:%d/sse", port)
			clientCfg = &remote

			// Give the server a moment to bind before the first connect;
			// connect retries below absorb slower cold starts.
			time.Sleep(500 * time.Millisecond)
		default:
			// stdio: the transport owns the `docker run -i` process, so the
			// container's lifetime is exactly the client connection's.
			clientCfg = stdioAttachConfig(cfg, m.docker.bin, name)
		}
	}

	client := NewClient(clientCfg, m.logger)
	connect := func(ctx context.Context) error { return client.Connect(ctx) }
	var err error
	if m.exec != nil {
		err = m.exec.ExecuteVoid(ctx, "mcp:"+cfg.ID, connect)
	} else {
		err = infra.NewRetryRunner("default").Run(ctx, connect)
	}
	if err != nil {
		m.cleanupContainer(srv)
		return fmt.Errorf("connect %s: %w", cfg.ID, err)
	}

	srv.client = client
	srv.tools = client.Tools()
	if m.runtime != nil {
		srv.bridged = RegisterServerTools(m.runtime, m, cfg.ID)
	}
	return nil
}

// StopServer reverses the start path: disconnect client, unregister
// bridged tools, stop and remove the container, clear runtime state.
func (m *Manager) StopServer(ctx context.Context, serverID string) error {
	m.mu.Lock()
	srv, ok := m.servers[serverID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mcp: server %q not configured", serverID)
	}
	client := srv.client
	bridged := srv.bridged
	srv.client = nil
	srv.bridged = nil
	srv.tools = nil
	srv.state = StateStopped
	m.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			m.logger.Warn("MCP client close failed", "server", serverID, "error", err)
		}
	}
	if m.runtime != nil {
		for _, name := range bridged {
			m.runtime.UnregisterTool(name)
		}
	}
	m.cleanupContainer(srv)
	m.logger.Info("MCP server stopped", "server", serverID)
	return nil
}

func (m *Manager) cleanupContainer(srv *managedServer) {
	m.mu.Lock()
	containerID := srv.containerID
	srv.containerID = ""
	srv.hostPort = 0
	m.mu.Unlock()
	if containerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.docker.StopAndRemove(ctx, containerID)
	}
}

// Stop gracefully shuts down every running server.
func (m *Manager) Stop() error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.servers))
	for id, srv := range m.servers {
		if srv.state == StateRunning || srv.state == StateError {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, id := range ids {
		if err := m.StopServer(ctx, id); err != nil {
			m.logger.Error("MCP server stop failed", "server", id, "error", err)
		}
	}
	return nil
}

// HealthCheckLoop runs CheckHealth every interval until ctx is cancelled.
func (m *Manager) HealthCheckLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth verifies each running server's container is still up and its
// client still connected. On a drop it makes exactly one reconnect
// attempt; if that fails the server is marked error and left for the
// operator (or the next explicit start) to recover.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.RLock()
	type probe struct {
		id          string
		containerID string
		client      *Client
	}
	var probes []probe
	for id, srv := range m.servers {
		if srv.state == StateRunning {
			probes = append(probes, probe{id: id, containerID: srv.containerID, client: srv.client})
		}
	}
	m.mu.RUnlock()

	for _, p := range probes {
		healthy := p.client != nil && p.client.Connected()
		if healthy && p.containerID != "" {
			healthy = m.docker.Running(ctx, p.containerID)
		}
		if healthy {
			continue
		}

		m.logger.Warn("MCP server unhealthy, attempting reconnect", "server", p.id)
		if err := m.StopServer(ctx, p.id); err != nil {
			m.logger.Warn("MCP stop during reconnect failed", "server", p.id, "error", err)
		}
		if err := m.StartServer(ctx, p.id); err != nil {
			m.mu.Lock()
			if srv, ok := m.servers[p.id]; ok {
				srv.state = StateError
				srv.lastError = err.Error()
			}
			m.mu.Unlock()
			m.logger.Error("MCP reconnect failed", "server", p.id, "error", err)
		}
	}
}

// Client returns the connected client for a server.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[serverID]
	if !ok || srv.client == nil {
		return nil, false
	}
	return srv.client, true
}

// Clients returns all currently connected clients keyed by server id.
func (m *Manager) Clients() map[string]*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*Client)
	for id, srv := range m.servers {
		if srv.client != nil {
			result[id] = srv.client
		}
	}
	return result
}

// AllTools returns the cached tool list of every connected server.
func (m *Manager) AllTools() map[string][]*MCPTool {
	result := make(map[string][]*MCPTool)
	for id, client := range m.Clients() {
		if tools := client.Tools(); len(tools) > 0 {
			result[id] = tools
		}
	}
	return result
}

// AllResources returns the cached resources of every connected server.
func (m *Manager) AllResources() map[string][]*MCPResource {
	result := make(map[string][]*MCPResource)
	for id, client := range m.Clients() {
		if resources := client.Resources(); len(resources) > 0 {
			result[id] = resources
		}
	}
	return result
}

// AllPrompts returns the cached prompts of every connected server.
func (m *Manager) AllPrompts() map[string][]*MCPPrompt {
	result := make(map[string][]*MCPPrompt)
	for id, client := range m.Clients() {
		if prompts := client.Prompts(); len(prompts) > 0 {
			result[id] = prompts
		}
	}
	return result
}

// CallTool calls a tool on a specific server.
func (m *Manager) CallTool(ctx context.Context, serverID string, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	client, ok := m.Client(serverID)
	if !ok {
		return nil, fmt.Errorf("mcp: server %q not connected", serverID)
	}
	return client.CallTool(ctx, toolName, arguments)
}

// ReadResource reads a resource from a specific server.
func (m *Manager) ReadResource(ctx context.Context, serverID string, uri string) ([]*ResourceContent, error) {
	client, ok := m.Client(serverID)
	if !ok {
		return nil, fmt.Errorf("mcp: server %q not connected", serverID)
	}
	return client.ReadResource(ctx, uri)
}

// GetPrompt gets a prompt from a specific server.
func (m *Manager) GetPrompt(ctx context.Context, serverID string, name string, arguments map[string]string) (*GetPromptResult, error) {
	client, ok := m.Client(serverID)
	if !ok {
		return nil, fmt.Errorf("mcp: server %q not connected", serverID)
	}
	return client.GetPrompt(ctx, name, arguments)
}

// ServerStatus is one server's observable state.
type ServerStatus struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	State       ServerState `json:"state"`
	ContainerID string      `json:"container_id,omitempty"`
	HostPort    int         `json:"host_port,omitempty"`
	Tools       int         `json:"tools"`
	LastError   string      `json:"last_error,omitempty"`
}

// Status reports every configured server's state.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statuses := make([]ServerStatus, 0, len(m.config.Servers))
	for _, sc := range m.config.Servers {
		srv := m.servers[sc.ID]
		status := ServerStatus{ID: sc.ID, Name: sc.Name}
		if srv != nil {
			status.State = srv.state
			status.ContainerID = srv.containerID
			status.HostPort = srv.hostPort
			status.Tools = len(srv.tools)
			status.LastError = srv.lastError
		}
		statuses = append(statuses, status)
	}
	return statuses
}
