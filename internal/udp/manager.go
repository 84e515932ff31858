package udp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/botfleet-go/internal/chart"
	"github.com/irfndi/botfleet-go/internal/config"
)

// Mode selects how listeners receive datagrams.
type Mode string

const (
	// ModeLocal gives every endpoint its own ephemeral socket with NAT
	// keepalive.
	ModeLocal Mode = "local"
	// ModeServer shares one bound socket and demuxes by source address.
	ModeServer Mode = "server"
	// ModeAuto decides per endpoint from the caller's keepalive request.
	ModeAuto Mode = "auto"
)

const modeEnvVar = "MOONBOT_MODE"

// ResolveMode reads the operating mode from the environment.
func ResolveMode() Mode {
	switch strings.ToLower(os.Getenv(modeEnvVar)) {
	case "local":
		return ModeLocal
	case "server":
		return ModeServer
	default:
		return ModeAuto
	}
}

// ChartSink receives fully reassembled charts; the chart processor
// implements it.
type ChartSink interface {
	Complete(ctx context.Context, serverID, orderID int64, c *chart.Chart) error
}

// Manager owns the active listener set: it selects the operating mode,
// starts and stops listeners idempotently, and keeps the global socket's
// route map in sync.
type Manager struct {
	mode       Mode
	cfg        *config.Config
	pool       *WorkerPool
	dispatcher Dispatcher
	status     StatusSink
	charts     ChartSink
	global     *GlobalListener

	mu        sync.Mutex
	listeners map[int64]*Listener
}

func NewManager(mode Mode, cfg *config.Config, pool *WorkerPool, dispatcher Dispatcher, status StatusSink, charts ChartSink) *Manager {
	m := &Manager{
		mode:       mode,
		cfg:        cfg,
		pool:       pool,
		dispatcher: dispatcher,
		status:     status,
		charts:     charts,
		listeners:  make(map[int64]*Listener),
	}
	m.global = NewGlobalListener(
		cfg.UDP.DefaultPort,
		cfg.UDP.Socket.BufferSize,
		cfg.HighLoad.UDP.GlobalSocket.RecvBufferSize,
		cfg.HighLoad.UDP.GlobalSocket.SendBufferSize,
		config.Seconds(cfg.UDP.Timeouts.Receive),
	)
	return m
}

// Mode reports the resolved operating mode.
func (m *Manager) Mode() Mode { return m.mode }

// Global exposes the shared socket for ops reporting.
func (m *Manager) Global() *GlobalListener { return m.global }

// Start brings up a listener for the endpoint. It is idempotent: a
// running listener for the server id is left alone.
func (m *Manager) Start(serverID int64, host string, port int, password string, keepalive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.listeners[serverID]; ok && existing.Running() {
		return nil
	}

	localMode := m.localModeFor(keepalive)
	if !localMode {
		if err := m.global.Start(); err != nil {
			return err
		}
		keepalive = false
	}

	opts := ListenerOptions{
		BufferSize:     m.cfg.UDP.Socket.BufferSize,
		ReceiveTimeout: config.Seconds(m.cfg.UDP.Timeouts.Receive),
		CommandTimeout: config.Seconds(m.cfg.UDP.Timeouts.Command),
		Heartbeat:      config.Seconds(m.cfg.UDP.Listener.HeartbeatInterval),
		BurstIdle:      config.Seconds(m.cfg.UDP.Fragment.BurstIdle),
		ChartTimeout:   config.Seconds(m.cfg.UDP.Fragment.ChartTimeout),
	}
	l := NewListener(serverID, host, port, password, keepalive, localMode,
		opts, m.pool, m.dispatcher, m.status, m.chartCompleteFunc(serverID))

	if !localMode {
		m.global.Register(l)
	}
	if err := l.Start(); err != nil {
		if !localMode {
			m.global.Unregister(l)
		}
		return err
	}
	m.listeners[serverID] = l
	return nil
}

// Stop shuts down one endpoint's listener.
func (m *Manager) Stop(serverID int64) {
	m.mu.Lock()
	l, ok := m.listeners[serverID]
	if ok {
		delete(m.listeners, serverID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.global.Unregister(l)
	l.Stop()
}

// StopAll shuts every listener down and then the global socket.
func (m *Manager) StopAll() {
	m.mu.Lock()
	listeners := make([]*Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listeners = make(map[int64]*Listener)
	m.mu.Unlock()

	for _, l := range listeners {
		m.global.Unregister(l)
		l.Stop()
	}
	m.global.Stop()
	logrus.WithField("listeners", len(listeners)).Info("All listeners stopped")
}

// Listener returns the active listener for a server id.
func (m *Manager) Listener(serverID int64) (*Listener, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listeners[serverID]
	return l, ok
}

// Send signs and delivers a command through a server's listener.
func (m *Manager) Send(serverID int64, command string) error {
	l, ok := m.Listener(serverID)
	if !ok {
		return fmt.Errorf("no active listener for server %d", serverID)
	}
	return l.Send(command)
}

// ActiveCount reports how many listeners are registered.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// localModeFor resolves the per-endpoint socket strategy. In auto mode
// the caller's keepalive request selects the NAT-friendly local path.
func (m *Manager) localModeFor(keepalive bool) bool {
	switch m.mode {
	case ModeLocal:
		return true
	case ModeServer:
		return false
	default:
		return keepalive
	}
}

func (m *Manager) chartCompleteFunc(serverID int64) chart.CompleteFunc {
	return func(orderID int64, c *chart.Chart) {
		if err := m.charts.Complete(context.Background(), serverID, orderID, c); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"server_id": serverID,
				"order_id":  orderID,
			}).Warn("Failed to store completed chart")
		}
	}
}
