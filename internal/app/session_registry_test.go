package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/425732441/full-duplex-voice-demo/internal/config"
	transmock "github.com/425732441/full-duplex-voice-demo/internal/transport/mock"
	llmmock "github.com/425732441/full-duplex-voice-demo/pkg/provider/llm/mock"
)

func newRegistry(t *testing.T, providers *Providers, max int) *SessionRegistry {
	t.Helper()
	r := NewSessionRegistry(SessionRegistryConfig{
		Providers:   providers,
		Pipeline:    config.Default().Pipeline,
		MaxSessions: max,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

// runAsync starts a session over conn and returns its result channel.
func runAsync(r *SessionRegistry, conn *transmock.Conn) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.RunSession(context.Background(), conn) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("RunSession did not return")
		return nil
	}
}

func TestRunSession_DisconnectDeregisters(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, mockProviders(nil), 0)

	conn := transmock.NewConn()
	done := runAsync(r, conn)
	eventually(t, "session registered", func() bool { return r.Len() == 1 })

	conn.Disconnect()
	if err := wait(t, done); err != nil {
		t.Errorf("RunSession: want nil on disconnect, got %v", err)
	}
	if n := r.Len(); n != 0 {
		t.Errorf("Len: want 0, got %d", n)
	}
	if n := conn.Closes(); n != 1 {
		t.Errorf("conn closes: want 1, got %d", n)
	}
}

func TestRunSession_Rejections(t *testing.T) {
	t.Parallel()

	t.Run("closed", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t, mockProviders(nil), 0)
		if err := r.Close(context.Background()); err != nil {
			t.Fatalf("Close: %v", err)
		}
		conn := transmock.NewConn()
		if err := r.RunSession(context.Background(), conn); !errors.Is(err, ErrRegistryClosed) {
			t.Errorf("want ErrRegistryClosed, got %v", err)
		}
		if conn.Closes() != 1 {
			t.Errorf("conn closes: want 1, got %d", conn.Closes())
		}
	})

	t.Run("limit", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t, mockProviders(nil), 1)
		first := transmock.NewConn()
		done := runAsync(r, first)
		eventually(t, "first session", func() bool { return r.Len() == 1 })

		second := transmock.NewConn()
		if err := r.RunSession(context.Background(), second); !errors.Is(err, ErrTooManySessions) {
			t.Errorf("want ErrTooManySessions, got %v", err)
		}
		if second.Closes() != 1 {
			t.Errorf("rejected conn closes: want 1, got %d", second.Closes())
		}

		first.Disconnect()
		if err := wait(t, done); err != nil {
			t.Errorf("first session: %v", err)
		}
	})

	t.Run("no providers", func(t *testing.T) {
		t.Parallel()
		r := newRegistry(t, nil, 0)
		conn := transmock.NewConn()
		if err := r.RunSession(context.Background(), conn); err == nil {
			t.Error("want error, got nil")
		}
		if r.Len() != 0 {
			t.Errorf("Len: want 0, got %d", r.Len())
		}
	})
}

func TestClose_CancelsSessions(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, mockProviders(&llmmock.Provider{HoldOpen: true}), 0)

	var dones []<-chan error
	for range 3 {
		dones = append(dones, runAsync(r, transmock.NewConn()))
	}
	eventually(t, "three sessions", func() bool { return r.Len() == 3 })
	if got := r.Sessions(); len(got) != 3 {
		t.Fatalf("Sessions: want 3, got %d", len(got))
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, done := range dones {
		if err := wait(t, done); err != nil {
			t.Errorf("session %d: want nil after Close, got %v", i, err)
		}
	}
	if r.Accepting() {
		t.Error("Accepting: want false after Close")
	}
}

func TestRunSession_ReadsBotPerSession(t *testing.T) {
	t.Parallel()

	calls := 0
	r := NewSessionRegistry(SessionRegistryConfig{
		Providers: mockProviders(nil),
		Pipeline:  config.Default().Pipeline,
		Bot: func() config.BotConfig {
			calls++
			return config.Default().Bot
		},
	})
	defer r.Close(context.Background())

	for range 2 {
		conn := transmock.NewConn()
		done := runAsync(r, conn)
		eventually(t, "session registered", func() bool { return r.Len() == 1 })
		conn.Disconnect()
		if err := wait(t, done); err != nil {
			t.Fatalf("RunSession: %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("bot source calls: want 2, got %d", calls)
	}
}
