package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
)

type fakeSocket struct {
	mu        sync.Mutex
	connected bool
	sent      []string
	sentAt    []time.Time
	loggedOut bool
	closed    bool
	events    socketEvents
}

func (f *fakeSocket) SendText(ctx context.Context, to types.JID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return "", ErrNotConnected
	}
	f.sent = append(f.sent, text)
	f.sentAt = append(f.sentAt, time.Now())
	return fmt.Sprintf("WAMID-%d", len(f.sent)), nil
}

func (f *fakeSocket) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	f.connected = false
	return nil
}

func (f *fakeSocket) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
}

func (f *fakeSocket) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSocket) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeNetwork hands out fake sockets and reports connected immediately.
type fakeNetwork struct {
	mu      sync.Mutex
	dials   int
	sockets map[string]*fakeSocket
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{sockets: make(map[string]*fakeSocket)}
}

func (n *fakeNetwork) dialer() socketDialer {
	return func(ctx context.Context, userID, credDir string, ev socketEvents) (waSocket, error) {
		sock := &fakeSocket{connected: true, events: ev}
		n.mu.Lock()
		n.dials++
		n.sockets[userID] = sock
		n.mu.Unlock()
		ev.onConnected(&OwnerInfo{ID: userID + "@s.whatsapp.net"})
		return sock, nil
	}
}

func (n *fakeNetwork) dialCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

func (n *fakeNetwork) socket(userID string) *fakeSocket {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sockets[userID]
}

func newTestManager(t *testing.T, net *fakeNetwork) *SessionManager {
	t.Helper()
	creds, err := NewCredentialStore(t.TempDir())
	require.NoError(t, err)
	cfg := ManagerConfig{
		MinSendDelay: 5 * time.Millisecond,
		MaxSendDelay: 10 * time.Millisecond,
		CountryCode:  "55",
	}
	return NewSessionManager(cfg, creds, net.dialer(), nil, nil, nil, nil, NewMetrics())
}

func TestConnectOpensExactlyOneSocket(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := m.Connect(context.Background(), "u1")
			assert.NoError(t, err)
			assert.Equal(t, StateConnected, snap.State)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, net.dialCount(), "concurrent connects must share one attempt")
}

func TestConnectIsIdempotentWhileActive(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net)

	_, err := m.Connect(context.Background(), "u1")
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, net.dialCount())
}

func TestConnectRequiresUserID(t *testing.T) {
	m := newTestManager(t, newFakeNetwork())
	_, err := m.Connect(context.Background(), "  ")
	assert.Error(t, err)
}

func TestGetStatusIsPure(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net)

	snap := m.GetStatus("never-seen")
	assert.Equal(t, StateDisconnected, snap.State)
	assert.False(t, snap.Connected)
	assert.Equal(t, 0, net.dialCount())
	assert.Equal(t, 0, m.registry.Len(), "status reads must not register sessions")
}

func TestSendTextFIFOWithPacing(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net)

	for i := 0; i < 3; i++ {
		res, err := m.SendText(context.Background(), "u1", "11987654321", fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "5511987654321@"+types.DefaultUserServer, res.To)
	}

	sock := net.socket("u1")
	require.NotNil(t, sock)
	assert.Equal(t, []string{"msg-0", "msg-1", "msg-2"}, sock.sentTexts())

	sock.mu.Lock()
	defer sock.mu.Unlock()
	for i := 1; i < len(sock.sentAt); i++ {
		assert.GreaterOrEqual(t, sock.sentAt[i].Sub(sock.sentAt[i-1]), m.cfg.MinSendDelay)
	}
}

func TestSendTextRejectsInvalidPhone(t *testing.T) {
	m := newTestManager(t, newFakeNetwork())
	_, err := m.SendText(context.Background(), "u1", "+-()", "hello")
	assert.ErrorIs(t, err, ErrInvalidPhone)
}

func TestDisconnectWithLogoutDeletesCredentials(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net)

	_, err := m.Connect(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, m.creds.Exists("u1"))

	res, err := m.Disconnect(context.Background(), "u1", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StateDisconnected, res.State)
	assert.False(t, m.creds.Exists("u1"), "logout must delete credential material")
	assert.True(t, net.socket("u1").loggedOut)
}

func TestDisconnectWithoutLogoutKeepsCredentials(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net)

	_, err := m.Connect(context.Background(), "u1")
	require.NoError(t, err)

	_, err = m.Disconnect(context.Background(), "u1", false)
	require.NoError(t, err)
	assert.True(t, m.creds.Exists("u1"), "soft disconnect must keep credentials")
	assert.True(t, net.socket("u1").closed)
	assert.False(t, net.socket("u1").loggedOut)

	// Bootstrap resumes the persisted session without a fresh pairing.
	require.NoError(t, m.BootstrapPersistedSessions(context.Background()))
	assert.Equal(t, 2, net.dialCount())
	assert.Equal(t, StateConnected, m.GetStatus("u1").State)
}

func TestDisconnectDuringOpenClosesFreshSocket(t *testing.T) {
	creds, err := NewCredentialStore(t.TempDir())
	require.NoError(t, err)

	dialing := make(chan struct{})
	release := make(chan struct{})
	var sock *fakeSocket
	dial := func(ctx context.Context, userID, credDir string, ev socketEvents) (waSocket, error) {
		close(dialing)
		<-release
		sock = &fakeSocket{connected: true, events: ev}
		return sock, nil
	}
	m := NewSessionManager(ManagerConfig{}, creds, dial, nil, nil, nil, nil, NewMetrics())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Connect(context.Background(), "u1")
	}()

	// Disconnect while the dial is still in flight, then let it finish.
	<-dialing
	_, err = m.Disconnect(context.Background(), "u1", false)
	require.NoError(t, err)
	close(release)
	<-done

	require.NotNil(t, sock)
	assert.True(t, sock.closed, "socket finishing mid-disconnect must be closed, not installed")
	assert.Equal(t, StateDisconnected, m.GetStatus("u1").State)
	sess, ok := m.registry.Get("u1")
	require.True(t, ok)
	assert.Nil(t, sess.activeSocket())
}

func TestDisconnectUnknownUserIsSuccess(t *testing.T) {
	m := newTestManager(t, newFakeNetwork())
	res, err := m.Disconnect(context.Background(), "ghost", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRemoteLogoutDeletesCredentialsAndParksSession(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net)

	_, err := m.Connect(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, m.creds.Exists("u1"))

	net.socket("u1").events.onClosed(socketClose{LoggedOut: true, Code: 401})

	snap := m.GetStatus("u1")
	assert.Equal(t, StateLoggedOut, snap.State)
	assert.Equal(t, 401, snap.LastDisconnectCode)
	assert.False(t, m.creds.Exists("u1"), "remote logout must wipe stale credentials")
	assert.Equal(t, 1, net.dialCount(), "logged-out sessions never auto-reconnect")
}

func TestUnplannedDisconnectSchedulesReconnect(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net)

	_, err := m.Connect(context.Background(), "u1")
	require.NoError(t, err)

	net.socket("u1").events.onClosed(socketClose{})

	snap := m.GetStatus("u1")
	assert.Equal(t, StateDisconnected, snap.State)
	assert.Equal(t, 1, snap.ReconnectAttempts)

	// First reconnect fires after ~1s.
	assert.Eventually(t, func() bool {
		return net.dialCount() == 2 && m.GetStatus("u1").State == StateConnected
	}, 3*time.Second, 20*time.Millisecond)
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net)

	_, err := m.Connect(context.Background(), "u1")
	require.NoError(t, err)
	_, err = m.Disconnect(context.Background(), "u1", false)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, net.dialCount())
	assert.Equal(t, StateDisconnected, m.GetStatus("u1").State)
}

func TestReconnectDelayGrowsLinearlyWithCap(t *testing.T) {
	assert.Equal(t, time.Second, reconnectDelay(1))
	assert.Equal(t, 2*time.Second, reconnectDelay(2))
	assert.Equal(t, 3*time.Second, reconnectDelay(3))
	assert.Equal(t, 15*time.Second, reconnectDelay(15))
	assert.Equal(t, 15*time.Second, reconnectDelay(40))
}

func TestGetQRCodeReportsConnected(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net)

	res, err := m.GetQRCode(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Connected)
	assert.Empty(t, res.QRCode, "connected sessions carry no pairing code")
}

func TestPairingCodeFlow(t *testing.T) {
	creds, err := NewCredentialStore(t.TempDir())
	require.NoError(t, err)

	// A dialer that needs pairing: emits a code instead of connecting.
	var captured socketEvents
	dial := func(ctx context.Context, userID, credDir string, ev socketEvents) (waSocket, error) {
		captured = ev
		sock := &fakeSocket{connected: true, events: ev}
		ev.onPairingCode("pairing-payload")
		return sock, nil
	}
	m := NewSessionManager(ManagerConfig{}, creds, dial, nil, nil, nil, nil, NewMetrics())

	res, err := m.GetQRCode(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StateQRPending, res.State)
	assert.False(t, res.Connected)
	assert.Contains(t, res.QRCode, "data:image/png;base64,")

	// Scan completes: the code must clear and the state flip to connected.
	captured.onConnected(&OwnerInfo{ID: "u1@s.whatsapp.net"})
	snap := m.GetStatus("u1")
	assert.Equal(t, StateConnected, snap.State)
	assert.False(t, snap.HasQRCode)
}

func TestInboundMessageCapture(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net)

	_, err := m.Connect(context.Background(), "u1")
	require.NoError(t, err)

	info := types.MessageInfo{}
	info.ID = "MSG1"
	info.Chat = types.NewJID("5511987654321", types.DefaultUserServer)
	info.PushName = "Alice"
	info.Timestamp = time.Now()
	m.handleInbound("u1", info, textMessage("hello there"))

	messages := m.RecentMessages("u1")
	require.Len(t, messages, 1)
	assert.Equal(t, EventMessageReceived, messages[0].Event)
	assert.Equal(t, "MSG1", messages[0].MessageID)
	assert.Equal(t, "hello there", messages[0].Text)
	assert.Equal(t, "Alice", messages[0].PushName)
}

func TestShutdownClosesSocketsWithoutLogout(t *testing.T) {
	net := newFakeNetwork()
	m := newTestManager(t, net)

	_, err := m.Connect(context.Background(), "u1")
	require.NoError(t, err)

	m.Shutdown()
	assert.True(t, net.socket("u1").closed)
	assert.False(t, net.socket("u1").loggedOut)
	assert.True(t, m.creds.Exists("u1"))
}
