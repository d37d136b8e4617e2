// Package app wires every component into one explicit instance owned by
// the process entry point. There is no package-global state: tests and the
// CLI both construct an App and inject their own driver and capturer.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"deskrelay/internal/arbiter"
	"deskrelay/internal/auth"
	"deskrelay/internal/automation"
	"deskrelay/internal/capture"
	"deskrelay/internal/config"
	"deskrelay/internal/events"
	"deskrelay/internal/hubfeed"
	"deskrelay/internal/middleware"
	"deskrelay/internal/model"
	"deskrelay/internal/registry"
	"deskrelay/internal/relaywire"
	"deskrelay/internal/userstore"
)

type App struct {
	Log         *slog.Logger
	Settings    *config.Manager
	Users       *userstore.Store
	Bus         *events.Bus
	Registry    *registry.Registry
	Arbiter     *arbiter.Arbiter
	Coordinator *capture.Coordinator
	Wire        *relaywire.Server
	Feed        *hubfeed.Hub
	TokenConfig auth.TokenConfig

	relayMu      sync.Mutex
	relaySrv     *http.Server
	relayPort    int
	relayRunning bool
}

// New builds a fully wired App from loaded settings. The capturer and
// driver are the two external collaborators; tests inject fakes.
func New(rt config.Runtime, settings *config.Manager, capturer capture.Capturer, driver automation.Driver, log *slog.Logger) (*App, error) {
	s := settings.Current()

	users, err := userstore.New(s.UsersFile, log)
	if err != nil {
		return nil, fmt.Errorf("opening user store: %w", err)
	}

	a := &App{
		Log:         log,
		Settings:    settings,
		Users:       users,
		Bus:         events.NewBus(log),
		Feed:        hubfeed.New(),
		TokenConfig: auth.DefaultTokenConfig(rt.MasterSecret),
	}

	a.Registry = registry.New(users, a.Bus, log)
	a.Coordinator = capture.New(capturer, a.Registry, a.Bus, log, s.CaptureArea, s.Capture)

	a.Arbiter = arbiter.New(arbiter.Config{
		Driver:      driver,
		Sessions:    a.Registry,
		Bus:         a.Bus,
		Log:         log,
		Timeout:     time.Duration(s.CommandTimeoutSeconds) * time.Second,
		QueueSize:   s.CommandQueueSize,
		OnCompleted: a.commandCompleted,
		OnError:     a.commandFailed,
	})

	a.Wire = relaywire.NewServer(relaywire.Deps{
		Registry:     a.Registry,
		Arbiter:      a.Arbiter,
		Coordinator:  a.Coordinator,
		LoginLimiter: middleware.NewRateLimiter(s.Security.MaxLoginAttempts, s.Security.Window()),
		Log:          log,
	})

	// Everything the bus sees flows to the management shell's feed.
	a.Bus.SubscribeAll(func(ev events.Event) {
		line, err := json.Marshal(map[string]any{
			"type":      string(ev.Channel),
			"timestamp": ev.At,
			"body":      ev.Payload,
		})
		if err != nil {
			return
		}
		a.Feed.Broadcast(line)
	})

	a.Arbiter.Start()
	return a, nil
}

// commandCompleted runs on the arbiter worker after a successful command:
// capture the response region and deliver it, then confirm the command.
// The remote client always gets a terminal message.
func (a *App) commandCompleted(cmd model.Command) {
	now := time.Now().UnixMilli()

	ref, err := a.Coordinator.CaptureOnce()
	if err != nil {
		a.Bus.Publish(events.CaptureError, map[string]any{
			"commandId": cmd.ID,
			"error":     err.Error(),
		})
	} else {
		a.Coordinator.DeliverToSession(cmd.SessionID, ref, cmd.Text)
	}

	a.Registry.SendTo(cmd.SessionID, "command-completed", map[string]any{
		"commandId": cmd.ID,
		"command":   cmd.Text,
		"timestamp": now,
	})
}

func (a *App) commandFailed(cmd model.Command) {
	a.Registry.SendTo(cmd.SessionID, "command-error", map[string]any{
		"commandId": cmd.ID,
		"command":   cmd.Text,
		"error":     cmd.Error,
		"timestamp": time.Now().UnixMilli(),
	})
}

// StartRelay binds the client-facing listener on the configured relay
// port. Fails when already running.
func (a *App) StartRelay() error {
	a.relayMu.Lock()
	defer a.relayMu.Unlock()
	if a.relayRunning {
		return errors.New("relay already running")
	}

	port := a.Settings.Current().RelayPort
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("binding relay listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", a.Wire)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.relaySrv = srv
	a.relayPort = ln.Addr().(*net.TCPAddr).Port
	a.relayRunning = true

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Error("relay listener failed", "error", err)
		}
	}()

	a.Log.Info("relay started", "port", a.relayPort)
	return nil
}

// StopRelay notifies every session, evicts them, and closes the listener.
// Stopping a stopped relay is a no-op.
func (a *App) StopRelay(ctx context.Context) error {
	a.relayMu.Lock()
	if !a.relayRunning {
		a.relayMu.Unlock()
		return nil
	}
	srv := a.relaySrv
	a.relaySrv = nil
	a.relayRunning = false
	a.relayMu.Unlock()

	a.Registry.Broadcast("server-shutdown", map[string]any{
		"message":   "Server is shutting down",
		"timestamp": time.Now().UnixMilli(),
	})
	// Upgraded websockets are hijacked from the http.Server, so shutdown
	// alone leaves them open; evict explicitly.
	for _, sess := range a.Registry.List() {
		a.Registry.Remove(sess.ID)
	}

	err := srv.Shutdown(ctx)
	a.Log.Info("relay stopped")
	return err
}

// RelayStatus reports the state the management shell displays.
func (a *App) RelayStatus() (running bool, ip string, port int, clientCount int) {
	a.relayMu.Lock()
	running = a.relayRunning
	port = a.relayPort
	a.relayMu.Unlock()

	if !running {
		port = a.Settings.Current().RelayPort
	}
	return running, localIP(), port, a.Registry.Count()
}

// ForceDisconnect tells one client it is being evicted, then removes it.
func (a *App) ForceDisconnect(sessionID, message string) bool {
	if _, ok := a.Registry.Get(sessionID); !ok {
		return false
	}
	if message == "" {
		message = "Disconnected by administrator"
	}
	a.Registry.SendTo(sessionID, "force-disconnect", map[string]any{
		"message":   message,
		"timestamp": time.Now().UnixMilli(),
	})
	a.Registry.Remove(sessionID)
	return true
}

// UpdateCaptureSettings applies and persists new capture settings. A
// running stream picks up the new timing without losing subscribers.
func (a *App) UpdateCaptureSettings(s model.CaptureSettings) error {
	a.Coordinator.UpdateSettings(s)
	st := a.Settings.Current()
	st.Capture = s
	return a.Settings.Save(st)
}

// UpdateCaptureArea applies and persists a new capture region.
func (a *App) UpdateCaptureArea(area model.CaptureArea) error {
	a.Coordinator.SetArea(area)
	st := a.Settings.Current()
	st.CaptureArea = area
	return a.Settings.Save(st)
}

// Close tears the App down: relay, stream, worker.
func (a *App) Close(ctx context.Context) error {
	err := a.StopRelay(ctx)
	a.Coordinator.StopStreaming()
	a.Arbiter.Stop()
	return err
}

// localIP picks the first non-loopback IPv4 for the status display.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
