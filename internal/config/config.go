// Package config loads and validates Loop Gateway's single Config struct
// from a YAML file, with environment-variable overrides layered on top.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loopgateway/loopgw/internal/infra"
)

// Config is the root configuration object for the gateway process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Agent      AgentConfig      `yaml:"agent"`
	LLM        LLMConfig        `yaml:"llm"`
	Database   DatabaseConfig   `yaml:"database"`
	Retry      RetryConfig      `yaml:"retry"`
	Breaker    BreakerConfig    `yaml:"circuit_breaker"`
	Container  ContainerConfig  `yaml:"container"`
	Channels   ChannelsConfig   `yaml:"channels"`
	MCP        MCPConfig        `yaml:"mcp"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Budget     BudgetConfig     `yaml:"budget"`
	Skills     SkillsConfig     `yaml:"skills"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	Logging    LoggingConfig    `yaml:"logging"`
	// EdgeMode is read from config/env for parity with the original
	// deployment surface; the core agent loop does not branch on it, since
	// the hot-swap edge model selector is out of scope for this core.
	EdgeMode bool `yaml:"edge_mode"`
}

// ServerConfig configures the (out-of-core) HTTP boundary's bind address.
// The core only reads it to pass through to that boundary at wiring time.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AgentConfig configures the default agent model and prompt.
type AgentConfig struct {
	Model              string `yaml:"model"`
	MaxTokens          int    `yaml:"max_tokens"`
	SystemPrompt       string `yaml:"system_prompt"`
	SystemPromptFile   string `yaml:"system_prompt_file"`
	// MaxIterations bounds the agent loop's per-run hop count
	// (Init->Stream->ExecuteTools->Continue cycles) before it force-stops.
	MaxIterations int `yaml:"max_iterations"`
	// Isolated routes runs through the Container Runner sandbox by
	// default instead of the in-process loop. A session's agent config
	// ("isolated" flag) overrides this per agent. Requires
	// container.image.
	Isolated bool `yaml:"isolated"`
}

// LLMConfig holds provider credentials.
type LLMConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	// DefaultProvider selects which LLMProvider the agent loop uses when a
	// session doesn't pin one explicitly ("anthropic" or "openai").
	DefaultProvider string `yaml:"default_provider"`
}

// DatabaseConfig points at the embedded SQLite store.
type DatabaseConfig struct {
	DataDir       string `yaml:"data_dir"`
	Path          string `yaml:"path"`
	EncryptionKey string `yaml:"encryption_key"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	MaxIdleConns  int    `yaml:"max_idle_conns"`
}

// RetryConfig mirrors internal/infra.RetryConfig in YAML/env-friendly form.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Strategy       string  `yaml:"strategy"`
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// ToInfraConfig converts to the runtime retry config used by internal/infra.Retry.
func (r RetryConfig) ToInfraConfig() *infra.RetryConfig {
	cfg := infra.DefaultRetryConfig()
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.InitialDelayMS > 0 {
		cfg.InitialDelay = time.Duration(r.InitialDelayMS) * time.Millisecond
	}
	if r.MaxDelayMS > 0 {
		cfg.MaxDelay = time.Duration(r.MaxDelayMS) * time.Millisecond
	}
	if r.Strategy != "" {
		cfg.Strategy = infra.BackoffStrategy(r.Strategy)
	}
	if r.JitterFraction > 0 {
		cfg.JitterFraction = r.JitterFraction
	}
	return cfg
}

// BreakerConfig mirrors internal/infra.CircuitBreakerConfig.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	TimeoutMS        int `yaml:"timeout_ms"`
}

// ToInfraConfig converts to the runtime circuit breaker config, named for
// the label it will be registered under in the CircuitBreakerRegistry.
func (b BreakerConfig) ToInfraConfig(name string) *infra.CircuitBreakerConfig {
	cfg := &infra.CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
	if b.FailureThreshold > 0 {
		cfg.FailureThreshold = b.FailureThreshold
	}
	if b.SuccessThreshold > 0 {
		cfg.SuccessThreshold = b.SuccessThreshold
	}
	if b.TimeoutMS > 0 {
		cfg.Timeout = time.Duration(b.TimeoutMS) * time.Millisecond
	}
	return cfg
}

// ContainerConfig bounds the Container Runner's subprocess lifecycle.
type ContainerConfig struct {
	TimeoutMS               int    `yaml:"timeout_ms"`
	MaxConcurrentContainers int    `yaml:"max_concurrent_containers"`
	Image                   string `yaml:"image"`
}

// Timeout returns the configured container timeout, defaulting to 30s.
func (c ContainerConfig) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// MaxConcurrent returns the configured container concurrency cap, defaulting to 3.
func (c ContainerConfig) MaxConcurrent() int {
	if c.MaxConcurrentContainers <= 0 {
		return 3
	}
	return c.MaxConcurrentContainers
}

// ChannelsConfig holds per-channel credentials and enablement.
type ChannelsConfig struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Discord    DiscordConfig    `yaml:"discord"`
	Slack      SlackConfig      `yaml:"slack"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	WhatsApp   WhatsAppConfig   `yaml:"whatsapp"`
	Email      EmailConfig      `yaml:"email"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	WebWidget  WebWidgetConfig  `yaml:"web_widget"`
	Matrix     MatrixConfig     `yaml:"matrix"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

type MattermostConfig struct {
	Enabled bool `yaml:"enabled"`
	// ServerURL is only used for health-check pings; the adapter itself
	// is a slash-command HTTP endpoint with no persistent connection.
	ServerURL          string `yaml:"server_url"`
	SlashToken         string `yaml:"slash_token"`
	OutgoingWebhookURL string `yaml:"outgoing_webhook_url"`
	ListenPath         string `yaml:"listen_path"`
}

type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Homeserver   string   `yaml:"homeserver"`
	UserID       string   `yaml:"user_id"`
	AccessToken  string   `yaml:"access_token"`
	AllowedRooms []string `yaml:"allowed_rooms"`
	JoinOnInvite bool     `yaml:"join_on_invite"`
}

type WhatsAppConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SessionStore string `yaml:"session_store"`
}

type EmailConfig struct {
	Enabled      bool   `yaml:"enabled"`
	IMAPHost     string `yaml:"imap_host"`
	IMAPPort     int    `yaml:"imap_port"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PollInterval int    `yaml:"poll_interval_seconds"`
}

// WebhookConfig configures the generic inbound/outbound HTTP webhook
// channel. Unlike the other adapters it holds no persistent connection:
// inbound messages arrive as POSTs to ListenPath, and replies either block
// the originating HTTP request (sync mode) or are POSTed to CallbackURL
// (async mode) when the caller can't hold the connection open.
type WebhookConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ListenPath string `yaml:"listen_path"`
	// SharedSecret, when set, must authenticate every inbound request,
	// either as an HMAC-SHA256 signature of the request body in the
	// X-Loopgw-Signature header or as an Authorization: Bearer token.
	SharedSecret string `yaml:"shared_secret"`
	// Mode is "sync" (hold the HTTP request open for a reply, bounded by
	// SyncTimeoutSeconds) or "async" (ack immediately, POST the reply to
	// CallbackURL once ready).
	Mode               string `yaml:"mode"`
	SyncTimeoutSeconds int    `yaml:"sync_timeout_seconds"`
	CallbackURL        string `yaml:"callback_url"`
}

type WebWidgetConfig struct {
	Enabled bool `yaml:"enabled"`
	// ListenPath is the HTTP path the websocket upgrade is served on.
	ListenPath string `yaml:"listen_path"`
	// AllowedOrigins restricts which Origin headers may open a websocket
	// connection. Empty allows any origin, which should only be used in
	// local development.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MCPConfig enables/configures the MCP integration.
type MCPConfig struct {
	Enabled bool             `yaml:"enabled"`
	Servers []MCPServerEntry `yaml:"servers"`
}

// MCPServerEntry describes one configured MCP server, container-backed or remote.
type MCPServerEntry struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio, sse, docker
	Image     string            `yaml:"image"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Port      int               `yaml:"port"`
	Volumes   []string          `yaml:"volumes"`
}

// BudgetConfig caps token spend per channel-type group over rolling
// windows. Zero disables a window.
type BudgetConfig struct {
	PerDayTokens   int64 `yaml:"per_day_tokens"`
	PerMonthTokens int64 `yaml:"per_month_tokens"`
}

// ApprovalConfig configures HITL defaults.
type ApprovalConfig struct {
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds"`
	// AutoApproveBelowRisk holds the auto_approve_below_risk setting. It is
	// decoded but not read anywhere: which tool calls wait for approval is
	// decided only by the tool policy's RequireApproval list and its
	// DefaultDecision.
	AutoApproveBelowRisk string `yaml:"auto_approve_below_risk"`
}

// DefaultTimeout returns the configured default approval timeout, defaulting to 5 minutes.
func (a ApprovalConfig) DefaultTimeout() time.Duration {
	if a.DefaultTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.DefaultTimeoutSeconds) * time.Second
}

// SkillsConfig configures the skills directory watcher.
type SkillsConfig struct {
	Directory string `yaml:"directory"`
	Watch     bool   `yaml:"watch"`
}

// SweeperConfig configures the periodic cron-driven maintenance jobs.
type SweeperConfig struct {
	ApprovalExpirySchedule string `yaml:"approval_expiry_schedule"`
	MCPHealthCheckSchedule string `yaml:"mcp_health_check_schedule"`
	SessionCleanupSchedule string `yaml:"session_cleanup_schedule"`
}

// LoggingConfig configures the slog logger constructed at process start.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Load reads path, expands ${VAR} references against the process
// environment, decodes the single YAML document strictly (unknown fields
// are rejected), applies the §6 environment-variable overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.Expand(string(data), lookupEnvOrEmpty)

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("config: %s must contain a single YAML document", path)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

// lookupEnvOrEmpty leaves ${VAR} expansion as a blank string instead of
// propagating os.Expand's "$VAR-not-set stays literal" default, so an
// unset secret never leaks the placeholder syntax into a config value.
func lookupEnvOrEmpty(name string) string {
	return os.Getenv(name)
}

// applyEnvOverrides applies the environment variables documented in §6,
// each taking precedence over whatever the YAML file set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv("AGENT_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("AGENT_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxTokens = n
		}
	}
	if v := os.Getenv("AGENT_SYSTEM_PROMPT_FILE"); v != "" {
		cfg.Agent.SystemPromptFile = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Database.DataDir = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.Database.EncryptionKey = v
	}
	if v := os.Getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("RETRY_INITIAL_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.InitialDelayMS = n
		}
	}
	if v := os.Getenv("RETRY_MAX_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxDelayMS = n
		}
	}
	if v := os.Getenv("RETRY_STRATEGY"); v != "" {
		cfg.Retry.Strategy = v
	}
	if v := os.Getenv("CB_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("CB_SUCCESS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.SuccessThreshold = n
		}
	}
	if v := os.Getenv("CB_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.TimeoutMS = n
		}
	}
	if v := os.Getenv("CONTAINER_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Container.TimeoutMS = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_CONTAINERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Container.MaxConcurrentContainers = n
		}
	}
	if v := os.Getenv("EDGE_MODE"); v != "" {
		cfg.EdgeMode = strings.EqualFold(v, "true") || v == "1"
	}
}

// Validate enforces the invariants the boot sequence treats as fatal.
func (c *Config) Validate() error {
	var problems []string

	if c.Database.Path == "" && c.Database.DataDir == "" {
		problems = append(problems, "database.path or database.data_dir is required")
	}
	if c.LLM.AnthropicAPIKey == "" && c.LLM.OpenAIAPIKey == "" {
		problems = append(problems, "at least one of llm.anthropic_api_key or llm.openai_api_key is required")
	}
	if c.Database.EncryptionKey != "" && len(c.Database.EncryptionKey) != 32 {
		problems = append(problems, "database.encryption_key must be exactly 32 bytes when set")
	}
	if c.Container.MaxConcurrentContainers < 0 {
		problems = append(problems, "container.max_concurrent_containers cannot be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// SystemPrompt resolves the agent's system prompt, preferring an inline
// value over the file reference.
func (c *Config) SystemPrompt() (string, error) {
	if c.Agent.SystemPrompt != "" {
		return c.Agent.SystemPrompt, nil
	}
	if c.Agent.SystemPromptFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Agent.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("config: read system prompt file: %w", err)
	}
	return string(data), nil
}
