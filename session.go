package main

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// OwnerInfo identifies the account a session is paired with.
type OwnerInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// AckRecord is one delivery/read receipt observed for a sent message.
type AckRecord struct {
	MessageID string    `json:"messageId"`
	To        string    `json:"to,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// WebhookEvent is the summary of one inbound message. The same record is
// kept in the session ring and serialized as the webhook body.
type WebhookEvent struct {
	Event     string `json:"event"`
	UserID    string `json:"userId"`
	Type      string `json:"type"`
	From      string `json:"from"`
	FromMe    bool   `json:"fromMe"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
	PushName  string `json:"pushName,omitempty"`
	Text      string `json:"text"`
}

// StatusSnapshot is the read model returned by status and connect calls.
type StatusSnapshot struct {
	UserID             string      `json:"userId"`
	Connected          bool        `json:"connected"`
	State              string      `json:"state"`
	HasQRCode          bool        `json:"hasQrCode"`
	LastError          string      `json:"lastError,omitempty"`
	Me                 *OwnerInfo  `json:"me,omitempty"`
	CreatedAt          *time.Time  `json:"createdAt,omitempty"`
	UpdatedAt          *time.Time  `json:"updatedAt,omitempty"`
	ReconnectAttempts  int         `json:"reconnectAttempts"`
	LastDisconnectCode int         `json:"lastDisconnectCode,omitempty"`
	RecentAcks         []AckRecord `json:"recentAcks,omitempty"`
}

// QRResult is the pairing-code view of a session.
type QRResult struct {
	QRCode    string `json:"qrcode"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
}

// SendResult reports one completed outbound send.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"messageId"`
	To        string    `json:"to"`
	DelayMs   int64     `json:"delayMs"`
	Timestamp time.Time `json:"timestamp"`
}

// DisconnectResult reports the state after a manual disconnect.
type DisconnectResult struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
}

// Session is the in-memory record of one user's connection lifecycle.
// All fields are guarded by mu; the manager mutates them through update.
type Session struct {
	mu sync.Mutex

	userID             string
	state              string
	sock               waSocket
	qrDataURL          string
	lastError          string
	me                 *OwnerInfo
	createdAt          time.Time
	updatedAt          time.Time
	reconnectAttempts  int
	manualDisconnect   bool
	lastDisconnectCode int
	reconnectTimer     *time.Timer
	gaugeUp            bool

	recentMessages []WebhookEvent
	recentAcks     []AckRecord
}

func newSession(userID string) *Session {
	now := time.Now()
	return &Session{
		userID:    userID,
		state:     StateDisconnected,
		createdAt: now,
		updatedAt: now,
	}
}

// update runs fn with the session locked and touches updatedAt.
func (s *Session) update(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
	s.updatedAt = time.Now()
}

func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// activeSocket returns the live socket while the session is in an active
// state, nil otherwise.
func (s *Session) activeSocket() waSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sock != nil && Find(activeStates, s.state) {
		return s.sock
	}
	return nil
}

func (s *Session) qrCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qrDataURL
}

func (s *Session) pushMessage(evt WebhookEvent) {
	s.update(func(s *Session) {
		s.recentMessages = append([]WebhookEvent{evt}, s.recentMessages...)
		if len(s.recentMessages) > recentMessagesCap {
			s.recentMessages = s.recentMessages[:recentMessagesCap]
		}
	})
}

func (s *Session) pushAck(ack AckRecord) {
	s.update(func(s *Session) {
		s.recentAcks = append([]AckRecord{ack}, s.recentAcks...)
		if len(s.recentAcks) > recentAcksCap {
			s.recentAcks = s.recentAcks[:recentAcksCap]
		}
	})
}

func (s *Session) messages() []WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WebhookEvent, len(s.recentMessages))
	copy(out, s.recentMessages)
	return out
}

// stopReconnect cancels a pending auto-reconnect, if any.
func (s *Session) stopReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := s.createdAt
	updated := s.updatedAt
	acks := make([]AckRecord, len(s.recentAcks))
	copy(acks, s.recentAcks)
	return StatusSnapshot{
		UserID:             s.userID,
		Connected:          s.state == StateConnected,
		State:              s.state,
		HasQRCode:          s.qrDataURL != "",
		LastError:          s.lastError,
		Me:                 s.me,
		CreatedAt:          &created,
		UpdatedAt:          &updated,
		ReconnectAttempts:  s.reconnectAttempts,
		LastDisconnectCode: s.lastDisconnectCode,
		RecentAcks:         acks,
	}
}

// defaultStatus is what getStatus reports for a user the registry has never
// seen. It must not register anything.
func defaultStatus(userID string) StatusSnapshot {
	return StatusSnapshot{
		UserID:    userID,
		Connected: false,
		State:     StateDisconnected,
	}
}

// sessionRegistry owns the userID -> *Session map. Entries are pinned while
// a session is live and demoted to an idle TTL once it reaches a terminal
// state, so memory stays bounded under user churn.
type sessionRegistry struct {
	c       *cache.Cache
	idleTTL time.Duration
}

func newSessionRegistry(idleTTL time.Duration) *sessionRegistry {
	c := cache.New(cache.NoExpiration, 10*time.Minute)
	c.OnEvicted(func(userID string, value interface{}) {
		sess, ok := value.(*Session)
		if !ok {
			return
		}
		if sock := sess.activeSocket(); sock != nil {
			sock.Close()
		}
		log.Info().Str("userID", userID).Msg("Idle session evicted from registry")
	})
	return &sessionRegistry{c: c, idleTTL: idleTTL}
}

func (r *sessionRegistry) Get(userID string) (*Session, bool) {
	value, found := r.c.Get(userID)
	if !found {
		return nil, false
	}
	return value.(*Session), true
}

func (r *sessionRegistry) GetOrCreate(userID string) *Session {
	if sess, ok := r.Get(userID); ok {
		return sess
	}
	sess := newSession(userID)
	if err := r.c.Add(userID, sess, cache.NoExpiration); err != nil {
		// Lost the race; another goroutine registered first.
		if existing, ok := r.Get(userID); ok {
			return existing
		}
		r.c.Set(userID, sess, cache.NoExpiration)
	}
	return sess
}

// MarkActive pins the entry for as long as the session is in use.
func (r *sessionRegistry) MarkActive(userID string) {
	if sess, ok := r.Get(userID); ok {
		r.c.Set(userID, sess, cache.NoExpiration)
	}
}

// MarkIdle arms the idle TTL for sessions parked in a terminal state.
func (r *sessionRegistry) MarkIdle(userID string) {
	if sess, ok := r.Get(userID); ok {
		r.c.Set(userID, sess, r.idleTTL)
	}
}

func (r *sessionRegistry) Len() int {
	return r.c.ItemCount()
}

func (r *sessionRegistry) Each(fn func(*Session)) {
	for _, item := range r.c.Items() {
		if sess, ok := item.Object.(*Session); ok {
			fn(sess)
		}
	}
}
