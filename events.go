package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// socketEventsFor builds the typed subscription registered on a socket at
// open time. Every handler is scoped to one user; nothing here may touch
// another user's session.
func (m *SessionManager) socketEventsFor(userID string) socketEvents {
	return socketEvents{
		onPairingCode: func(code string) { m.handlePairingCode(userID, code) },
		onConnected:   func(me *OwnerInfo) { m.handleConnected(userID, me) },
		onClosed:      func(c socketClose) { m.handleClosed(userID, c) },
		onMessage: func(info types.MessageInfo, msg *waE2E.Message) {
			m.handleInbound(userID, info, msg)
		},
		onReceipt: func(ack AckRecord) { m.handleReceipt(userID, ack) },
	}
}

func (m *SessionManager) handlePairingCode(userID, code string) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		log.Error().Err(err).Str("userID", userID).Msg("Failed to render pairing code")
		return
	}
	dataURL := dataurl.New(png, "image/png").String()

	if m.cfg.QRInTerminal {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	}

	sess := m.registry.GetOrCreate(userID)
	sess.update(func(s *Session) {
		s.state = StateQRPending
		s.qrDataURL = dataURL
		s.lastError = ""
	})
	log.Info().Str("userID", userID).Msg("Pairing code issued")
}

func (m *SessionManager) handleConnected(userID string, me *OwnerInfo) {
	sess := m.registry.GetOrCreate(userID)
	var firstUp bool
	sess.update(func(s *Session) {
		s.state = StateConnected
		s.qrDataURL = ""
		s.reconnectAttempts = 0
		s.lastError = ""
		s.me = me
		firstUp = !s.gaugeUp
		s.gaugeUp = true
	})
	m.registry.MarkActive(userID)
	if firstUp {
		m.metrics.SessionUp()
	}
	log.Info().Str("userID", userID).Msg("Session connected")
}

func (m *SessionManager) handleClosed(userID string, c socketClose) {
	sess := m.registry.GetOrCreate(userID)

	if c.LoggedOut {
		// The remote side invalidated the pairing. Wipe the stale
		// credentials so the next connect starts from a clean QR.
		if err := m.creds.Delete(userID); err != nil {
			log.Error().Err(err).Str("userID", userID).Msg("Failed to delete credentials after remote logout")
		}
	}

	var (
		manual   bool
		attempts int
		wasUp    bool
	)
	sess.update(func(s *Session) {
		s.sock = nil
		if c.LoggedOut {
			s.state = StateLoggedOut
		} else {
			s.state = StateDisconnected
		}
		if c.Err != nil {
			s.lastError = c.Err.Error()
		}
		s.lastDisconnectCode = c.Code
		manual = s.manualDisconnect
		attempts = s.reconnectAttempts
		wasUp = s.gaugeUp
		s.gaugeUp = false
	})
	if wasUp {
		m.metrics.SessionDown()
	}

	shouldReconnect := !manual && !c.LoggedOut && attempts < m.cfg.MaxReconnectAttempts

	log.Warn().
		Str("userID", userID).
		Int("code", c.Code).
		Bool("loggedOut", c.LoggedOut).
		Bool("manualDisconnect", manual).
		Bool("reconnect", shouldReconnect).
		Int("reconnectAttempts", attempts).
		Msg("Session disconnected")

	switch {
	case shouldReconnect:
		attempts++
		delay := reconnectDelay(attempts)
		m.metrics.ReconnectScheduled()
		sess.update(func(s *Session) {
			s.reconnectAttempts = attempts
			s.reconnectTimer = time.AfterFunc(delay, func() {
				if _, err := m.Connect(context.Background(), userID); err != nil {
					log.Error().Err(err).Str("userID", userID).Msg("Auto-reconnect failed")
				}
			})
		})
	case c.LoggedOut || manual:
		m.dropQueue(userID)
		m.registry.MarkIdle(userID)
	default:
		// Reconnect budget exhausted; park the session until an explicit
		// connect.
		sess.update(func(s *Session) {
			s.state = StateError
			if s.lastError == "" {
				s.lastError = fmt.Sprintf("reconnect limit exceeded (%d)", m.cfg.MaxReconnectAttempts)
			}
		})
		m.registry.MarkIdle(userID)
	}
}

// handleInbound processes one inbound message: summary into the ring,
// durable history, then best-effort fan-out. A failure on one message must
// never interrupt the rest of the stream.
func (m *SessionManager) handleInbound(userID string, info types.MessageInfo, msg *waE2E.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("userID", userID).
				Str("messageID", info.ID).
				Msg("Inbound message handler panicked")
		}
	}()

	evt := WebhookEvent{
		Event:     EventMessageReceived,
		UserID:    userID,
		Type:      info.Type,
		From:      info.Chat.String(),
		FromMe:    info.IsFromMe,
		MessageID: info.ID,
		Timestamp: info.Timestamp.Unix(),
		PushName:  info.PushName,
		Text:      extractMessageText(msg),
	}

	sess := m.registry.GetOrCreate(userID)
	sess.pushMessage(evt)
	m.metrics.MessageReceived()

	if m.history != nil {
		if err := m.history.Insert(context.Background(), evt); err != nil {
			log.Error().Err(err).Str("userID", userID).Msg("Failed to persist inbound message")
		}
	}

	// Fan-out is best effort and must never block ingestion.
	if m.webhook != nil {
		go m.webhook.Emit(evt)
	}
	if m.events != nil {
		go m.events.Publish(evt)
	}
	if m.archive != nil && m.archive.Enabled() {
		go m.archive.StoreEvent(context.Background(), evt)
	}
}

func (m *SessionManager) handleReceipt(userID string, ack AckRecord) {
	if sess, ok := m.registry.Get(userID); ok {
		sess.pushAck(ack)
	}
}

// extractMessageText walks the message union looking for a plain-text
// rendering: direct text, extended text, media captions, then recursive
// unwrap of ephemeral and view-once wrappers. Unknown shapes yield "".
func extractMessageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if text := msg.GetExtendedTextMessage().GetText(); text != "" {
		return text
	}
	if text := msg.GetImageMessage().GetCaption(); text != "" {
		return text
	}
	if text := msg.GetVideoMessage().GetCaption(); text != "" {
		return text
	}
	if text := msg.GetDocumentMessage().GetCaption(); text != "" {
		return text
	}
	if inner := msg.GetEphemeralMessage().GetMessage(); inner != nil {
		return extractMessageText(inner)
	}
	if inner := msg.GetViewOnceMessage().GetMessage(); inner != nil {
		return extractMessageText(inner)
	}
	if inner := msg.GetViewOnceMessageV2().GetMessage(); inner != nil {
		return extractMessageText(inner)
	}
	return ""
}
