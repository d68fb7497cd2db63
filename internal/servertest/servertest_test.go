package servertest_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/blukai/arenaparty/internal/client"
	"github.com/blukai/arenaparty/internal/lobby"
	"github.com/blukai/arenaparty/internal/netconn"
	"github.com/blukai/arenaparty/internal/protocol"
	"github.com/blukai/arenaparty/internal/server"
	"github.com/matryer/is"
)

func startServer(t *testing.T, maxPlayers int) *server.Server {
	t.Helper()
	is := is.New(t)

	srv, err := server.New(server.Config{
		Addr:          "127.0.0.1:0",
		HostName:      "host",
		MaxPlayers:    maxPlayers,
		ClientTimeout: 2 * time.Second,
		TickInterval:  5 * time.Millisecond,
		Lobby: lobby.Config{
			MinPlayersToStart: 2,
			Timeout:           time.Minute,
		},
	}, nil, nil)
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	t.Cleanup(cancel)

	return srv
}

func newClient(t *testing.T, srv *server.Server, name string) *client.Supervisor {
	t.Helper()

	return client.NewSupervisor(client.Config{
		Addr:                 srv.Addr().String(),
		Name:                 name,
		ConnectTimeout:       time.Second,
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 2,
		HeartbeatInterval:    100 * time.Millisecond,
		Lobby: lobby.Config{
			MinPlayersToStart: 2,
			Timeout:           time.Minute,
		},
	}, nil)
}

// tickUntil drives every supervisor until cond holds or the deadline passes.
func tickUntil(t *testing.T, sups []*client.Supervisor, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		now := time.Now()
		for _, s := range sups {
			s.Tick(now)
		}
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	var states []string
	for _, s := range sups {
		states = append(states, fmt.Sprintf("%s/%s", s.Status(), s.Lobby().State()))
	}
	t.Fatalf("condition not reached, clients: %v", states)
}

func TestTwoPlayersReadyUpAndStart(t *testing.T) {
	is := is.New(t)

	srv := startServer(t, 2)

	playerOne := newClient(t, srv, "one")
	playerTwo := newClient(t, srv, "two")
	sups := []*client.Supervisor{playerOne, playerTwo}

	playerOne.Connect(time.Now())
	playerTwo.Connect(time.Now())

	// both land in the open lobby and see each other
	tickUntil(t, sups, func() bool {
		return playerOne.Lobby().State() == lobby.StateOpen &&
			playerTwo.Lobby().State() == lobby.StateOpen &&
			len(playerOne.Lobby().Records()) == 2 &&
			len(playerTwo.Lobby().Records()) == 2
	})

	playerOne.SetReady(true)

	// one ready is not enough for the host to start
	tickUntil(t, sups, func() bool {
		recs := playerTwo.Lobby().Records()
		for _, rec := range recs {
			if rec.Name == "one" && rec.IsReady {
				return true
			}
		}
		return false
	})
	is.Equal(playerOne.Lobby().State(), lobby.StateOpen)

	playerTwo.SetReady(true)

	// all ready: the host broadcasts game-start to everyone
	tickUntil(t, sups, func() bool {
		return playerOne.Lobby().State() == lobby.StateStarting &&
			playerTwo.Lobby().State() == lobby.StateStarting
	})
}

func TestThirdClientRejectedAtCapacity(t *testing.T) {
	is := is.New(t)

	srv := startServer(t, 2)

	playerOne := newClient(t, srv, "one")
	playerTwo := newClient(t, srv, "two")
	sups := []*client.Supervisor{playerOne, playerTwo}

	playerOne.Connect(time.Now())
	playerTwo.Connect(time.Now())

	tickUntil(t, sups, func() bool {
		return playerOne.Lobby().State() == lobby.StateOpen &&
			playerTwo.Lobby().State() == lobby.StateOpen
	})
	is.Equal(srv.Registry().Len(), 2)

	// the third connection is rejected and closed; existing peers are
	// unaffected
	playerThree := newClient(t, srv, "three")
	sups = append(sups, playerThree)
	playerThree.Connect(time.Now())

	tickUntil(t, sups, func() bool {
		return playerThree.Status() == netconn.StatusReconnecting ||
			playerThree.Status() == netconn.StatusFailed
	})

	is.Equal(srv.Registry().Len(), 2)
	is.True(playerThree.Lobby().State() != lobby.StateOpen)
	is.Equal(playerOne.Lobby().State(), lobby.StateOpen)
	is.Equal(playerTwo.Lobby().State(), lobby.StateOpen)
}

func TestChatIsRelayedToOthers(t *testing.T) {
	is := is.New(t)

	srv := startServer(t, 4)

	var gotSender protocol.Identity
	var gotText string
	received := make(chan struct{}, 1)

	playerOne := newClient(t, srv, "one")

	playerTwo := client.NewSupervisor(client.Config{
		Addr:                 srv.Addr().String(),
		Name:                 "two",
		ConnectTimeout:       time.Second,
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 2,
		HeartbeatInterval:    100 * time.Millisecond,
		Lobby: lobby.Config{
			MinPlayersToStart: 2,
			Timeout:           time.Minute,
		},
		OnChat: func(sender protocol.Identity, text string) {
			gotSender = sender
			gotText = text
			select {
			case received <- struct{}{}:
			default:
			}
		},
	}, nil)

	sups := []*client.Supervisor{playerOne, playerTwo}
	playerOne.Connect(time.Now())
	playerTwo.Connect(time.Now())

	tickUntil(t, sups, func() bool {
		return playerOne.Status() == netconn.StatusConnected &&
			playerTwo.Status() == netconn.StatusConnected
	})

	playerOne.SendChat("glhf")

	tickUntil(t, sups, func() bool {
		select {
		case <-received:
			return true
		default:
			return false
		}
	})
	is.Equal(gotText, "glhf")
	is.Equal(gotSender, playerOne.Identity())
}

func TestIdleClientIsEvicted(t *testing.T) {
	is := is.New(t)

	srv := startServer(t, 4)

	// heartbeats far beyond the server's client timeout
	lazy := client.NewSupervisor(client.Config{
		Addr:                 srv.Addr().String(),
		Name:                 "lazy",
		ConnectTimeout:       time.Second,
		ReconnectInterval:    time.Minute,
		MaxReconnectAttempts: 1,
		HeartbeatInterval:    time.Hour,
		Lobby: lobby.Config{
			MinPlayersToStart: 2,
			Timeout:           time.Minute,
		},
	}, nil)

	sups := []*client.Supervisor{lazy}
	lazy.Connect(time.Now())

	tickUntil(t, sups, func() bool { return lazy.Status() == netconn.StatusConnected })
	tickUntil(t, sups, func() bool { return srv.Registry().Len() == 1 })

	// no heartbeats: the server evicts after its 2s client timeout and
	// the client observes the disconnect
	tickUntil(t, sups, func() bool { return srv.Registry().Len() == 0 })
	tickUntil(t, sups, func() bool { return lazy.Status() != netconn.StatusConnected })

	is.Equal(srv.Registry().Len(), 0)
	is.True(lazy.Status() != netconn.StatusConnected)
}
