package client

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blukai/arenaparty/internal/lobby"
	"github.com/blukai/arenaparty/internal/netconn"
	"github.com/matryer/is"
)

func TestBackoffDelay(t *testing.T) {
	is := is.New(t)

	base := 5 * time.Second
	is.Equal(backoffDelay(base, 1), 7500*time.Millisecond)
	is.Equal(backoffDelay(base, 2), 10*time.Second)
	is.Equal(backoffDelay(base, 3), 12500*time.Millisecond)
	// capped at three times the base
	is.Equal(backoffDelay(base, 4), 15*time.Second)
	is.Equal(backoffDelay(base, 5), 15*time.Second)
	is.Equal(backoffDelay(base, 100), 15*time.Second)
}

func testConfig(dial netconn.DialFunc) Config {
	return Config{
		Addr:                 "test:2121",
		Name:                 "Nova",
		ConnectTimeout:       time.Second,
		ReconnectInterval:    time.Millisecond,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    time.Minute,
		Lobby:                lobby.Config{MinPlayersToStart: 2, Timeout: time.Minute},
		Dial:                 dial,
	}
}

// tickUntil drives the supervisor with real wall time until cond holds.
func tickUntil(t *testing.T, s *Supervisor, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.Tick(time.Now())
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached, status %s", s.Status())
}

func TestInitialConnectFailureIsTerminal(t *testing.T) {
	is := is.New(t)

	var dials atomic.Int32
	dial := func(addr string, timeout time.Duration) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	s := NewSupervisor(testConfig(dial), nil)
	s.Connect(time.Now())
	is.Equal(s.Status(), netconn.StatusConnecting)

	tickUntil(t, s, func() bool { return s.Status() == netconn.StatusFailed })

	// the initial connect does not enter the retry loop
	is.Equal(dials.Load(), int32(1))
	is.True(s.Err() != nil)
}

func TestReconnectBudget(t *testing.T) {
	is := is.New(t)

	var dials atomic.Int32
	dial := func(addr string, timeout time.Duration) (net.Conn, error) {
		if dials.Add(1) == 1 {
			clientEnd, serverEnd := net.Pipe()
			// keep the established side drained so fire-and-forget
			// sends don't stall on the unbuffered pipe
			go io.Copy(io.Discard, serverEnd)
			go func() {
				time.Sleep(50 * time.Millisecond)
				serverEnd.Close()
			}()
			return clientEnd, nil
		}
		return nil, errors.New("connection refused")
	}

	s := NewSupervisor(testConfig(dial), nil)
	s.Connect(time.Now())

	tickUntil(t, s, func() bool { return s.Status() == netconn.StatusConnected })

	// the peer goes away; the supervisor retries with backoff until the
	// budget is spent
	tickUntil(t, s, func() bool { return s.Status() == netconn.StatusFailed })

	// initial success + exactly maxReconnectAttempts failed retries
	is.Equal(dials.Load(), int32(1+3))

	// terminal: further ticks never dial again
	for i := 0; i < 50; i++ {
		s.Tick(time.Now())
	}
	is.Equal(dials.Load(), int32(1+3))
	is.Equal(s.Status(), netconn.StatusFailed)
}

func TestIdentitySurvivesReconnect(t *testing.T) {
	is := is.New(t)

	var dials atomic.Int32
	dial := func(addr string, timeout time.Duration) (net.Conn, error) {
		n := dials.Add(1)
		clientEnd, serverEnd := net.Pipe()
		go io.Copy(io.Discard, serverEnd)
		if n == 1 {
			go func() {
				time.Sleep(50 * time.Millisecond)
				serverEnd.Close()
			}()
		}
		return clientEnd, nil
	}

	s := NewSupervisor(testConfig(dial), nil)
	identityBefore := s.Identity()
	s.Connect(time.Now())

	tickUntil(t, s, func() bool { return s.Status() == netconn.StatusConnected })
	tickUntil(t, s, func() bool { return s.Status() != netconn.StatusConnected })
	tickUntil(t, s, func() bool { return s.Status() == netconn.StatusConnected })

	// same display name, same tag: the host matches the returning player
	is.Equal(s.Identity(), identityBefore)
	is.Equal(dials.Load(), int32(2))
}

func TestRequestedCloseDoesNotRetry(t *testing.T) {
	is := is.New(t)

	var dials atomic.Int32
	dial := func(addr string, timeout time.Duration) (net.Conn, error) {
		dials.Add(1)
		clientEnd, serverEnd := net.Pipe()
		go io.Copy(io.Discard, serverEnd)
		return clientEnd, nil
	}

	s := NewSupervisor(testConfig(dial), nil)
	s.Connect(time.Now())
	tickUntil(t, s, func() bool { return s.Status() == netconn.StatusConnected })

	s.Close()
	is.Equal(s.Status(), netconn.StatusDisconnected)

	for i := 0; i < 50; i++ {
		s.Tick(time.Now())
	}
	is.Equal(dials.Load(), int32(1))
	is.Equal(s.Status(), netconn.StatusDisconnected)
}
