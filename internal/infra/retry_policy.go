package infra

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// ChannelRetryPolicy tunes outbound-delivery retry for one chat platform.
// Platforms differ enough (Telegram's flood control, Slack's Retry-After
// header, SMTP's 4xx codes) that one shared policy misclassifies some of
// them.
type ChannelRetryPolicy struct {
	// Name identifies this policy.
	Name string

	// MaxAttempts is the total number of attempts (1 = no retries).
	MaxAttempts int

	// MinDelay is the minimum delay between retries.
	MinDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// JitterFraction adds randomness to delays (0.0-1.0).
	JitterFraction float64

	// ShouldRetry classifies errors for this platform. Nil falls back to
	// the gateway-wide transient classification.
	ShouldRetry func(err error) bool
}

// Per-platform patterns for transient delivery failures.
var (
	telegramRetryPattern   = regexp.MustCompile(`(?i)429|too many requests|timeout|connect|reset|closed|unavailable|flood`)
	slackRetryPattern      = regexp.MustCompile(`(?i)rate.?limit|429|timeout|unavailable|retry`)
	discordRetryPattern    = regexp.MustCompile(`(?i)rate.?limit|429|cloudflare|timeout|gateway`)
	mattermostRetryPattern = regexp.MustCompile(`(?i)429|timeout|connect|unavailable|502|503`)
	emailRetryPattern      = regexp.MustCompile(`(?i)timeout|connection|temporary|try.?again|unavailable|421|450|451|452`)
	whatsappRetryPattern   = regexp.MustCompile(`(?i)timeout|disconnect|not connected|stream|rate.?overlimit|server error`)
)

// TelegramRetryPolicy covers Bot API flood control (retry_after in the 429
// payload) and transport drops.
var TelegramRetryPolicy = ChannelRetryPolicy{
	Name:           "telegram",
	MaxAttempts:    4,
	MinDelay:       400 * time.Millisecond,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
	ShouldRetry:    matchRetryable(telegramRetryPattern),
}

// SlackRetryPolicy honors Slack's Retry-After header surfaced in the
// client's rate-limit error.
var SlackRetryPolicy = ChannelRetryPolicy{
	Name:           "slack",
	MaxAttempts:    4,
	MinDelay:       time.Second,
	MaxDelay:       60 * time.Second,
	JitterFraction: 0.1,
	ShouldRetry:    matchRetryable(slackRetryPattern),
}

// DiscordRetryPolicy covers gateway rate limits and Cloudflare bans.
var DiscordRetryPolicy = ChannelRetryPolicy{
	Name:           "discord",
	MaxAttempts:    4,
	MinDelay:       500 * time.Millisecond,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
	ShouldRetry:    matchRetryable(discordRetryPattern),
}

// MattermostRetryPolicy covers self-hosted servers behind proxies, where
// 502/503 during restarts are routine.
var MattermostRetryPolicy = ChannelRetryPolicy{
	Name:           "mattermost",
	MaxAttempts:    3,
	MinDelay:       time.Second,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
	ShouldRetry:    matchRetryable(mattermostRetryPattern),
}

// EmailRetryPolicy uses long delays: SMTP 4xx greylisting resolves in
// minutes, not milliseconds.
var EmailRetryPolicy = ChannelRetryPolicy{
	Name:           "email",
	MaxAttempts:    3,
	MinDelay:       5 * time.Second,
	MaxDelay:       5 * time.Minute,
	JitterFraction: 0.2,
	ShouldRetry:    matchRetryable(emailRetryPattern),
}

// WhatsAppRetryPolicy covers multi-device stream hiccups; hard auth
// failures (loggedOut, 405) are handled by the adapter's reconnect state
// machine, not here.
var WhatsAppRetryPolicy = ChannelRetryPolicy{
	Name:           "whatsapp",
	MaxAttempts:    3,
	MinDelay:       2 * time.Second,
	MaxDelay:       time.Minute,
	JitterFraction: 0.2,
	ShouldRetry:    matchRetryable(whatsappRetryPattern),
}

// DefaultChannelRetryPolicy serves webhook, web-widget, and any platform
// without a dedicated policy.
var DefaultChannelRetryPolicy = ChannelRetryPolicy{
	Name:           "default",
	MaxAttempts:    3,
	MinDelay:       time.Second,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
}

var channelPolicies = map[string]*ChannelRetryPolicy{
	"telegram":   &TelegramRetryPolicy,
	"slack":      &SlackRetryPolicy,
	"discord":    &DiscordRetryPolicy,
	"mattermost": &MattermostRetryPolicy,
	"email":      &EmailRetryPolicy,
	"whatsapp":   &WhatsAppRetryPolicy,
}

// GetChannelRetryPolicy returns the delivery retry policy for a channel
// type, falling back to the default.
func GetChannelRetryPolicy(channel string) *ChannelRetryPolicy {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if policy, ok := channelPolicies[channel]; ok {
		return policy
	}
	return &DefaultChannelRetryPolicy
}

// matchRetryable builds a ShouldRetry that combines the explicit
// permanent/retryable marks with a platform pattern and the gateway-wide
// transient set.
func matchRetryable(pattern *regexp.Regexp) func(error) bool {
	return func(err error) bool {
		if err == nil || IsPermanent(err) {
			return false
		}
		if IsRetryable(err) {
			return true
		}
		return pattern.MatchString(err.Error()) || IsTransient(err)
	}
}

// RetryRunner applies a channel's retry policy to outbound sends.
type RetryRunner struct {
	policy *ChannelRetryPolicy
}

// NewRetryRunner creates a runner for a channel type.
func NewRetryRunner(channel string) *RetryRunner {
	return &RetryRunner{policy: GetChannelRetryPolicy(channel)}
}

// Run executes fn with the policy's retry budget. A platform Retry-After
// hint on the error raises the floor for the next delay.
func (r *RetryRunner) Run(ctx context.Context, fn func(context.Context) error) error {
	cfg := &RetryConfig{
		MaxAttempts:    r.policy.MaxAttempts - 1,
		InitialDelay:   r.policy.MinDelay,
		MaxDelay:       r.policy.MaxDelay,
		Strategy:       BackoffExponential,
		JitterFraction: r.policy.JitterFraction,
		RetryIf:        r.policy.ShouldRetry,
	}
	result := RetryVoid(ctx, cfg, fn)
	return result.LastError
}
