package whatsapp

import (
	"context"
	"os"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"
)

// reconnectPolicy is the adapter's connection-recovery state machine.
// WhatsApp needs the richest policy of any channel: transient stream
// drops get capped exponential backoff, QR pairing gets its own retry
// budget, a logout clears auth state and stops, a client-outdated (405)
// rejection clears credentials so the next start pairs fresh, and
// exhausting the retry budget hard-resets auth rather than looping
// forever against a dead session.
type reconnectPolicy struct {
	mu         sync.Mutex
	attempts   int
	qrAttempts int

	maxAttempts   int
	maxQRAttempts int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func newReconnectPolicy() *reconnectPolicy {
	return &reconnectPolicy{
		maxAttempts:   8,
		maxQRAttempts: 5,
		baseDelay:     2 * time.Second,
		maxDelay:      2 * time.Minute,
	}
}

// nextDelay returns the backoff for the current attempt and whether the
// retry budget still allows one.
func (p *reconnectPolicy) nextDelay() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempts >= p.maxAttempts {
		return 0, false
	}
	delay := p.baseDelay << p.attempts
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	p.attempts++
	return delay, true
}

// recordQRAttempt consumes one QR pairing retry; false means the budget
// is spent.
func (p *reconnectPolicy) recordQRAttempt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.qrAttempts++
	return p.qrAttempts <= p.maxQRAttempts
}

// reset clears the counters after a successful connect.
func (p *reconnectPolicy) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.qrAttempts = 0
}

// handleConnectionEvent routes connection-lifecycle events through the
// reconnect policy. Other events (messages, receipts, presence) fall
// through and return false.
func (a *Adapter) handleConnectionEvent(evt interface{}) bool {
	switch v := evt.(type) {
	case *events.Connected:
		a.reconnect.reset()
		a.setConnected(true)
		a.SetStatus(true, "")
		a.Logger().Info("connected to WhatsApp")
		return true

	case *events.Disconnected:
		a.setConnected(false)
		a.SetStatus(false, "disconnected")
		a.Logger().Warn("disconnected from WhatsApp, scheduling reconnect")
		a.scheduleReconnect("disconnected")
		return true

	case *events.StreamReplaced:
		// Another client took over this session; it is retried through the
		// normal backoff budget like any other disconnect.
		a.setConnected(false)
		a.SetStatus(false, "stream replaced")
		a.Logger().Warn("WhatsApp stream replaced by another client")
		a.scheduleReconnect("stream_replaced")
		return true

	case *events.KeepAliveTimeout:
		// The socket is stalling but not gone; whatsmeow keeps probing on
		// its own, so only surface it in the status.
		a.SetStatus(true, "keepalive timeouts")
		return true

	case *events.KeepAliveRestored:
		a.SetStatus(true, "")
		return true

	case *events.LoggedOut:
		// Terminal: the account unlinked this device. Clear auth state so
		// the next start pairs fresh, and stop retrying.
		a.setConnected(false)
		a.SetStatus(false, "logged out")
		a.Logger().Warn("logged out from WhatsApp, clearing auth state", "reason", v.Reason)
		a.clearAuthState()
		return true

	case *events.ConnectFailure:
		a.setConnected(false)
		switch v.Reason {
		case events.ConnectFailureLoggedOut:
			a.SetStatus(false, "logged out")
			a.Logger().Warn("connect rejected: logged out, clearing auth state")
			a.clearAuthState()
		case events.ConnectFailureClientOutdated:
			// The 405 case: credentials are unusable with this client
			// build. Clear them so the next start gets a fresh QR.
			a.SetStatus(false, "client outdated")
			a.Logger().Warn("connect rejected with 405 client-outdated, clearing credentials for fresh pairing")
			a.clearAuthState()
		case events.ConnectFailureTempBanned:
			a.SetStatus(false, "temporarily banned")
			a.Logger().Error("WhatsApp temporary ban, not reconnecting")
		default:
			a.SetStatus(false, "connect failure")
			a.Logger().Warn("WhatsApp connect failure", "reason", v.Reason)
			a.scheduleReconnect("connect_failure")
		}
		return true
	}
	return false
}

// scheduleReconnect retries client.Connect after the policy's backoff.
// Exhausting the budget hard-resets auth state: a session that cannot
// reconnect in eight attempts is almost always stale credentials, and a
// fresh pairing beats an infinite retry loop.
func (a *Adapter) scheduleReconnect(reason string) {
	delay, ok := a.reconnect.nextDelay()
	if !ok {
		a.Logger().Error("reconnect budget exhausted, resetting auth state", "reason", reason)
		a.clearAuthState()
		return
	}

	a.Logger().Info("reconnecting to WhatsApp", "reason", reason, "delay", delay)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-time.After(delay):
		case <-a.runCtx.Done():
			return
		}
		if a.client == nil || a.client.IsConnected() {
			return
		}
		if err := a.client.Connect(); err != nil {
			a.Logger().Warn("reconnect attempt failed", "error", err)
			a.scheduleReconnect(reason)
		}
	}()
}

// clearAuthState disconnects, deletes the device's stored credentials,
// and removes the on-disk session database so the next Start runs a
// fresh QR pairing.
func (a *Adapter) clearAuthState() {
	if a.client != nil {
		a.client.Disconnect()
	}
	if a.device != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.device.Delete(ctx); err != nil {
			a.Logger().Warn("device credential delete failed", "error", err)
		}
	}
	if path := expandPath(a.config.SessionPath); path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			a.Logger().Warn("session store remove failed", "path", path, "error", err)
		}
	}
}

func (a *Adapter) setConnected(connected bool) {
	a.connMu.Lock()
	a.connected = connected
	a.connMu.Unlock()
}
