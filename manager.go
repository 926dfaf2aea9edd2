package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/types"
)

var (
	// ErrNotConnected maps to 409 at the HTTP surface: the caller may retry
	// after pairing or reconnection.
	ErrNotConnected = errors.New("session not connected")

	// ErrInvalidPhone is a validation failure, never retried.
	ErrInvalidPhone = errors.New("invalid phone number")
)

// ManagerConfig tunes the session manager.
type ManagerConfig struct {
	MinSendDelay         time.Duration
	MaxSendDelay         time.Duration
	MaxReconnectAttempts int
	CountryCode          string
	SessionIdleTTL       time.Duration
	QRInTerminal         bool
}

func (c *ManagerConfig) applyDefaults() {
	if c.MinSendDelay <= 0 {
		c.MinSendDelay = defaultMinSendDelay
	}
	if c.MaxSendDelay < c.MinSendDelay {
		c.MaxSendDelay = c.MinSendDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.CountryCode == "" {
		c.CountryCode = defaultCountryCode
	}
	if c.SessionIdleTTL <= 0 {
		c.SessionIdleTTL = defaultSessionIdleTTL
	}
}

// SessionManager owns the registry of per-user sessions, drives the
// connection lifecycle state machine, serializes outbound sends per user
// and bridges inbound events to the delivery side.
type SessionManager struct {
	cfg      ManagerConfig
	registry *sessionRegistry
	creds    *CredentialStore
	dial     socketDialer
	webhook  *WebhookClient
	events   *EventPublisher
	archive  *EventArchive
	history  *MessageStore
	metrics  *Metrics

	startMu  sync.Mutex
	starting map[string]*startAttempt

	queueMu sync.Mutex
	queues  map[string]*sendQueue
}

// startAttempt tracks one in-flight socket open so concurrent connect
// callers for the same user share a single attempt.
type startAttempt struct {
	done chan struct{}
	err  error
}

func NewSessionManager(cfg ManagerConfig, creds *CredentialStore, dial socketDialer,
	webhook *WebhookClient, events *EventPublisher, archive *EventArchive,
	history *MessageStore, metrics *Metrics) *SessionManager {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &SessionManager{
		cfg:      cfg,
		registry: newSessionRegistry(cfg.SessionIdleTTL),
		creds:    creds,
		dial:     dial,
		webhook:  webhook,
		events:   events,
		archive:  archive,
		history:  history,
		metrics:  metrics,
		starting: make(map[string]*startAttempt),
		queues:   make(map[string]*sendQueue),
	}
}

// Connect is idempotent: an already active session returns its status
// untouched, and concurrent callers for the same user await one shared
// attempt instead of racing a duplicate socket.
func (m *SessionManager) Connect(ctx context.Context, userID string) (StatusSnapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return StatusSnapshot{}, errors.New("user id is required")
	}

	if sess, ok := m.registry.Get(userID); ok && sess.activeSocket() != nil {
		return sess.snapshot(), nil
	}

	m.startMu.Lock()
	att, inFlight := m.starting[userID]
	if !inFlight {
		att = &startAttempt{done: make(chan struct{})}
		m.starting[userID] = att
	}
	m.startMu.Unlock()

	if inFlight {
		select {
		case <-att.done:
		case <-ctx.Done():
			return m.GetStatus(userID), ctx.Err()
		}
		return m.GetStatus(userID), att.err
	}

	att.err = m.openSocket(ctx, userID)
	m.startMu.Lock()
	delete(m.starting, userID)
	m.startMu.Unlock()
	close(att.done)

	return m.GetStatus(userID), att.err
}

func (m *SessionManager) openSocket(ctx context.Context, userID string) error {
	sess := m.registry.GetOrCreate(userID)
	if sess.activeSocket() != nil {
		// A previous attempt finished between the caller's fast path and
		// here; reuse its socket.
		return nil
	}
	m.registry.MarkActive(userID)
	sess.stopReconnect()
	sess.update(func(s *Session) {
		s.state = StateConnecting
		s.manualDisconnect = false
		s.qrDataURL = ""
		s.lastError = ""
	})

	credDir, err := m.creds.Ensure(userID)
	if err != nil {
		return m.failStart(sess, err)
	}

	sock, err := m.dial(ctx, userID, credDir, m.socketEventsFor(userID))
	if err != nil {
		return m.failStart(sess, err)
	}

	// A disconnect issued while the dial was in flight wins; close the
	// fresh socket instead of installing it.
	var stale bool
	sess.update(func(s *Session) {
		if s.manualDisconnect {
			stale = true
			return
		}
		s.sock = sock
	})
	if stale {
		sock.Close()
	}
	return nil
}

func (m *SessionManager) failStart(sess *Session, err error) error {
	sess.update(func(s *Session) {
		s.state = StateError
		s.sock = nil
		s.lastError = err.Error()
	})
	return err
}

// GetStatus is a pure read: unknown users get a default disconnected
// snapshot without being registered.
func (m *SessionManager) GetStatus(userID string) StatusSnapshot {
	userID = strings.TrimSpace(userID)
	if sess, ok := m.registry.Get(userID); ok {
		return sess.snapshot()
	}
	return defaultStatus(userID)
}

// GetQRCode lazily starts a connection and returns the current pairing
// code. An empty QRCode with a non-connected state means "not ready yet".
func (m *SessionManager) GetQRCode(ctx context.Context, userID string) (QRResult, error) {
	if _, err := m.Connect(ctx, userID); err != nil {
		return QRResult{}, err
	}
	sess := m.registry.GetOrCreate(strings.TrimSpace(userID))
	snap := sess.snapshot()
	return QRResult{
		QRCode:    sess.qrCode(),
		State:     snap.State,
		Connected: snap.Connected,
	}, nil
}

// SendText queues one outbound text for the user. Sends for a user are
// strictly FIFO and paced by a randomized delay; sends across users are
// independent.
func (m *SessionManager) SendText(ctx context.Context, userID, to, text string) (SendResult, error) {
	userID = strings.TrimSpace(userID)
	if _, err := m.Connect(ctx, userID); err != nil {
		return SendResult{}, err
	}

	sess, ok := m.registry.Get(userID)
	if !ok || !sess.Connected() {
		return SendResult{}, ErrNotConnected
	}

	jid, err := m.toJID(to)
	if err != nil {
		return SendResult{}, err
	}

	res, err := m.queue(userID).enqueue(ctx, jid, text)
	if err != nil {
		m.metrics.SendFailed()
		return res, err
	}
	m.metrics.MessageSent()
	return res, nil
}

func (m *SessionManager) toJID(phone string) (types.JID, error) {
	normalized := normalizePhone(phone, m.cfg.CountryCode)
	if normalized == "" {
		return types.EmptyJID, ErrInvalidPhone
	}
	return types.NewJID(normalized, types.DefaultUserServer), nil
}

func (m *SessionManager) queue(userID string) *sendQueue {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	q, ok := m.queues[userID]
	if !ok {
		q = newSendQueue(m.cfg.MinSendDelay, m.cfg.MaxSendDelay,
			func(ctx context.Context, to types.JID, text string) (string, error) {
				sess, ok := m.registry.Get(userID)
				if !ok || !sess.Connected() {
					return "", ErrNotConnected
				}
				sock := sess.activeSocket()
				if sock == nil {
					return "", ErrNotConnected
				}
				return sock.SendText(ctx, to, text)
			})
		m.queues[userID] = q
	}
	return q
}

func (m *SessionManager) dropQueue(userID string) {
	m.queueMu.Lock()
	q, ok := m.queues[userID]
	if ok {
		delete(m.queues, userID)
	}
	m.queueMu.Unlock()
	if ok {
		q.close()
	}
}

// Disconnect stops the session. With logout the remote pairing is
// invalidated and the credential material deleted, which is irrecoverable;
// without it the socket closes locally and the credentials stay for a
// later resume.
func (m *SessionManager) Disconnect(ctx context.Context, userID string, logout bool) (DisconnectResult, error) {
	userID = strings.TrimSpace(userID)
	sess, ok := m.registry.Get(userID)
	if !ok {
		return DisconnectResult{Success: true, State: StateDisconnected}, nil
	}

	sess.stopReconnect()
	var (
		sock  waSocket
		wasUp bool
	)
	sess.update(func(s *Session) {
		s.manualDisconnect = true
		sock = s.sock
		wasUp = s.gaugeUp
		s.gaugeUp = false
	})
	if wasUp {
		m.metrics.SessionDown()
	}

	if sock != nil {
		if logout {
			if err := sock.Logout(ctx); err != nil {
				log.Warn().Err(err).Str("userID", userID).Msg("Remote logout failed, closing locally")
				sock.Close()
			}
		} else {
			sock.Close()
		}
	}

	sess.update(func(s *Session) {
		s.sock = nil
		s.state = StateDisconnected
		s.qrDataURL = ""
	})

	if logout {
		if err := m.creds.Delete(userID); err != nil {
			log.Error().Err(err).Str("userID", userID).Msg("Failed to delete credential dir")
		}
		if m.archive != nil && m.archive.Enabled() {
			go m.archive.DeleteUser(context.Background(), userID)
		}
	}

	m.dropQueue(userID)
	m.registry.MarkIdle(userID)
	return DisconnectResult{Success: true, State: StateDisconnected}, nil
}

// BootstrapPersistedSessions reconnects every user with persisted
// credentials, concurrently. One user's failure is logged and never blocks
// the others.
func (m *SessionManager) BootstrapPersistedSessions(ctx context.Context) error {
	ids, err := m.creds.List()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, userID := range ids {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if _, err := m.Connect(ctx, userID); err != nil {
				log.Error().Err(err).Str("userID", userID).Msg("Failed to restore persisted session")
			}
		}(userID)
	}
	wg.Wait()

	log.Info().Int("restoredSessions", len(ids)).Msg("Persisted sessions restored")
	return nil
}

// RecentMessages returns the in-memory ring of inbound summaries, newest
// first.
func (m *SessionManager) RecentMessages(userID string) []WebhookEvent {
	if sess, ok := m.registry.Get(strings.TrimSpace(userID)); ok {
		return sess.messages()
	}
	return []WebhookEvent{}
}

// Shutdown closes every live socket without logging out, so sessions
// resume on the next boot.
func (m *SessionManager) Shutdown() {
	m.registry.Each(func(sess *Session) {
		sess.stopReconnect()
		var sock waSocket
		sess.update(func(s *Session) {
			s.manualDisconnect = true
			sock = s.sock
			s.sock = nil
		})
		if sock != nil {
			sock.Close()
		}
	})
}

// reconnectDelay implements the linear backoff policy:
// min(attempts*1000ms, 15000ms).
func reconnectDelay(attempts int) time.Duration {
	d := time.Duration(attempts) * time.Second
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}
