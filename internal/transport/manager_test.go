package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-im/courier/internal/socket"
)

func TestManager_AuthenticateReachesOpen(t *testing.T) {
	m, b := testManager(t, nil)

	statuses := make(chan Status, 8)
	defer m.OnStatusChange(func(s Status) { statuses <- s })()

	conn := authenticate(t, m, b)
	assert.Equal(t, "alice.7", conn.query.Get("login"))
	assert.Equal(t, "hunter2", conn.query.Get("password"))
	assert.Equal(t, StatusOpen, m.GetStatus())

	assert.Equal(t, StatusConnecting, <-statuses)
	assert.Equal(t, StatusOpen, <-statuses)
}

func TestManager_StatusTransitionsObservedInOrder(t *testing.T) {
	m, b := testManager(t, nil)

	statuses := make(chan Status, 16)
	defer m.OnStatusChange(func(s Status) { statuses <- s })()

	authenticate(t, m, b)
	m.Logout()

	for _, want := range []Status{StatusConnecting, StatusOpen, StatusClosed} {
		select {
		case got := <-statuses:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("did not observe %v transition", want)
		}
	}
}

func TestManager_EmptyCredentialsNeverConnect(t *testing.T) {
	m, b := testManager(t, nil)

	err := m.Authenticate(context.Background(), Credentials{})
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Equal(t, 0, b.dialCount())
	assert.Equal(t, StatusClosed, m.GetStatus())
}

func TestManager_AuthenticateCoalescesIdenticalCredentials(t *testing.T) {
	m, b := testManager(t, nil)
	authenticate(t, m, b)

	// Same credentials while the connection is open: no second attempt.
	require.NoError(t, m.Authenticate(context.Background(), testCreds))
	assert.Equal(t, 1, b.dialCount())
}

func TestManager_AuthenticateDifferentCredentialsSupersedes(t *testing.T) {
	m, b := testManager(t, nil)
	conn1 := authenticate(t, m, b)

	require.NoError(t, m.Authenticate(context.Background(), Credentials{
		Username: "alice.8", Password: "new-password",
	}))
	conn2 := b.nextConn(t)
	assert.Equal(t, "alice.8", conn2.query.Get("login"))

	// The superseded connection was closed deliberately.
	code, closed := conn1.closeCode()
	assert.True(t, closed)
	assert.Equal(t, socket.CloseCodeIntentional, code)

	// Its close event is stale and must not disturb the fresh connection.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusOpen, m.GetStatus())
	assert.Equal(t, 2, b.dialCount())
}

func TestManager_AuthRejectionEmitsAuthErrorOnce(t *testing.T) {
	m, b := testManager(t, nil)
	b.failNext(&socket.HTTPError{Code: 401, Message: "401 Unauthorized"})

	var authErrs atomic.Int32
	defer m.OnAuthError(func(error) { authErrs.Add(1) })()

	err := m.Authenticate(context.Background(), testCreds)
	require.Error(t, err)
	assert.True(t, socket.IsAuthFailure(err))

	// No reconnect is scheduled for invalid credentials.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, b.dialCount())
	assert.Equal(t, StatusClosed, m.GetStatus())
	assert.Equal(t, int32(1), authErrs.Load())
}

func TestManager_TransientConnectFailureRetries(t *testing.T) {
	m, b := testManager(t, nil)
	b.failNext(&socket.HTTPError{Code: 500, Message: "500 Internal Server Error"})

	err := m.Authenticate(context.Background(), testCreds)
	require.Error(t, err)

	// The backoff-governed retry succeeds in the background.
	b.nextConn(t)
	require.Eventually(t, func() bool { return m.GetStatus() == StatusOpen },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, b.dialCount())
}

func TestManager_NonTransientConnectFailureGivesUp(t *testing.T) {
	m, b := testManager(t, nil)
	b.failNext(&socket.HTTPError{Code: 409, Message: "409 Conflict"})

	require.Error(t, m.Authenticate(context.Background(), testCreds))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, b.dialCount())
	assert.Equal(t, StatusClosed, m.GetStatus())
}

func TestManager_ReconnectCycleAfterAbnormalClose(t *testing.T) {
	m, b := testManager(t, nil)
	conn1 := authenticate(t, m, b)

	conn1.serverClose(1006, "abnormal closure")

	// Reconnect runs under backoff and restores Open.
	conn2 := b.nextConn(t)
	require.True(t, conn2.authenticated())
	require.Eventually(t, func() bool { return m.GetStatus() == StatusOpen },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, b.dialCount())

	// Backoff reset on success: a second drop reconnects promptly too.
	conn2.serverClose(1006, "again")
	b.nextConn(t)
	require.Eventually(t, func() bool { return m.GetStatus() == StatusOpen },
		2*time.Second, 10*time.Millisecond)
}

func TestManager_LogoutClosesIntentionallyWithoutReconnect(t *testing.T) {
	m, b := testManager(t, nil)
	conn := authenticate(t, m, b)

	m.Logout()

	code, closed := conn.closeCode()
	assert.True(t, closed)
	assert.Equal(t, socket.CloseCodeIntentional, code)
	assert.Equal(t, StatusClosed, m.GetStatus())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, b.dialCount())

	// Credentials are gone.
	err := m.Authenticate(context.Background(), Credentials{})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestManager_OfflineDropsEverything(t *testing.T) {
	m, b := testManager(t, nil)
	authConn := authenticate(t, m, b)

	_, err := m.Fetch(context.Background(), "https://chat.test/v1/accounts/whoami", FetchOptions{})
	require.NoError(t, err)
	unauthConn := b.nextConn(t)
	require.False(t, unauthConn.authenticated())

	m.OnOffline()

	_, closed := authConn.closeCode()
	assert.True(t, closed)
	_, closed = unauthConn.closeCode()
	assert.True(t, closed)
	assert.Equal(t, StatusClosed, m.GetStatus())

	// All network work is refused locally while offline.
	err = m.Authenticate(context.Background(), testCreds)
	var he *socket.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 0, he.Code)

	_, err = m.Fetch(context.Background(), "https://chat.test/v1/anything", FetchOptions{})
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 0, he.Code)

	dialsWhileOffline := b.dialCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dialsWhileOffline, b.dialCount())

	// Back online: stored credentials reconnect automatically.
	require.NoError(t, m.OnOnline(context.Background()))
	require.True(t, b.nextConn(t).authenticated())
	assert.Equal(t, StatusOpen, m.GetStatus())
}

func TestManager_CheckForcesKeepalive(t *testing.T) {
	m, b := testManager(t, nil)
	conn := authenticate(t, m, b)

	m.Check()
	probe := conn.nextRequest(t)
	assert.True(t, probe.IsKeepAlive())

	// Offline short-circuits the probe.
	m.OnOffline()
	m.Check()
	select {
	case f := <-conn.requests:
		t.Fatalf("unexpected request while offline: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}
