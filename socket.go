package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// waSocket is the capability the manager holds on an open connection.
// Exactly one live socket exists per session; it is replaced, never shared,
// on reconnect.
type waSocket interface {
	SendText(ctx context.Context, to types.JID, text string) (string, error)
	Logout(ctx context.Context) error
	Close()
	Connected() bool
}

// socketClose describes why a socket went away.
type socketClose struct {
	LoggedOut bool
	Code      int
	Err       error
}

// socketEvents is the typed subscription the manager registers when a
// socket is opened, one handler per event category.
type socketEvents struct {
	onPairingCode func(code string)
	onConnected   func(me *OwnerInfo)
	onClosed      func(c socketClose)
	onMessage     func(info types.MessageInfo, msg *waE2E.Message)
	onReceipt     func(ack AckRecord)
}

// socketDialer opens a connection using the credential material in credDir.
type socketDialer func(ctx context.Context, userID, credDir string, ev socketEvents) (waSocket, error)

type meowSocket struct {
	cli *whatsmeow.Client
}

func (m *meowSocket) SendText(ctx context.Context, to types.JID, text string) (string, error) {
	resp, err := m.cli.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (m *meowSocket) Logout(ctx context.Context) error {
	return m.cli.Logout(ctx)
}

func (m *meowSocket) Close() {
	m.cli.Disconnect()
}

func (m *meowSocket) Connected() bool {
	return m.cli.IsConnected()
}

// newWhatsmeowDialer returns the production dialer. Credentials live in a
// per-user sqlite container inside credDir; the manager owns reconnection,
// so the client's own auto-reconnect is disabled.
func newWhatsmeowDialer(logger zerolog.Logger) socketDialer {
	return func(ctx context.Context, userID, credDir string, ev socketEvents) (waSocket, error) {
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)",
			filepath.Join(credDir, "creds.db"))
		wlog := waLogger{logger.With().Str("userID", userID).Logger()}

		container, err := sqlstore.New(ctx, "sqlite", dsn, wlog.Sub("Store"))
		if err != nil {
			return nil, fmt.Errorf("open credential store: %w", err)
		}
		device, err := container.GetFirstDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("load device: %w", err)
		}

		cli := whatsmeow.NewClient(device, wlog.Sub("Client"))
		cli.EnableAutoReconnect = false
		cli.AddEventHandler(func(evt interface{}) {
			dispatchSocketEvent(cli, ev, evt)
		})

		if cli.Store.ID == nil {
			// Fresh device: surface pairing codes until the QR is scanned.
			qrChan, qrErr := cli.GetQRChannel(ctx)
			if qrErr == nil {
				go func() {
					for item := range qrChan {
						switch item.Event {
						case whatsmeow.QRChannelEventCode:
							ev.onPairingCode(item.Code)
						case whatsmeow.QRChannelTimeout.Event:
							ev.onClosed(socketClose{Err: errors.New("pairing timed out")})
						}
					}
				}()
			}
		}

		if err := cli.Connect(); err != nil {
			return nil, fmt.Errorf("open socket: %w", err)
		}
		return &meowSocket{cli: cli}, nil
	}
}

func dispatchSocketEvent(cli *whatsmeow.Client, ev socketEvents, evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		ev.onConnected(ownerFromStore(cli))
	case *events.LoggedOut:
		ev.onClosed(socketClose{LoggedOut: true, Code: int(v.Reason)})
	case *events.Disconnected:
		ev.onClosed(socketClose{})
	case *events.StreamReplaced:
		ev.onClosed(socketClose{Err: errors.New("stream replaced by another client")})
	case *events.ConnectFailure:
		ev.onClosed(socketClose{
			Code: int(v.Reason),
			Err:  fmt.Errorf("connect failure (code %d)", int(v.Reason)),
		})
	case *events.Message:
		ev.onMessage(v.Info, v.Message)
	case *events.Receipt:
		status := string(v.Type)
		if status == "" {
			status = "delivered"
		}
		for _, id := range v.MessageIDs {
			ev.onReceipt(AckRecord{
				MessageID: string(id),
				To:        v.Chat.String(),
				Status:    status,
				Timestamp: v.Timestamp,
				Source:    "receipt",
			})
		}
	}
}

func ownerFromStore(cli *whatsmeow.Client) *OwnerInfo {
	id := cli.Store.ID
	if id == nil {
		return nil
	}
	return &OwnerInfo{
		ID:    id.String(),
		Name:  cli.Store.PushName,
		Phone: extractPhoneFromJID(id.String()),
	}
}

// waLogger adapts zerolog to whatsmeow's logging interface.
type waLogger struct {
	l zerolog.Logger
}

func (w waLogger) Errorf(msg string, args ...interface{}) { w.l.Error().Msgf(msg, args...) }
func (w waLogger) Warnf(msg string, args ...interface{})  { w.l.Warn().Msgf(msg, args...) }
func (w waLogger) Infof(msg string, args ...interface{})  { w.l.Debug().Msgf(msg, args...) }
func (w waLogger) Debugf(msg string, args ...interface{}) { w.l.Trace().Msgf(msg, args...) }

func (w waLogger) Sub(module string) waLog.Logger {
	return waLogger{w.l.With().Str("module", module).Logger()}
}
