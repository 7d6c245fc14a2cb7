package infrastructure

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConnectivityMonitor implements domain.Connectivity. When a probe address
// is configured, a background dialer senses reachability and reports
// online/offline edges to the registered handler; otherwise the manual
// override is authoritative. The initial belief is online.
type ConnectivityMonitor struct {
	probeAddr string
	interval  time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	online   bool
	onChange func(online bool)
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewConnectivityMonitor creates a monitor. probeAddr may be empty for
// contexts without a host signal; UpdateConnectivityStatus drives the
// state then.
func NewConnectivityMonitor(probeAddr string, interval time.Duration, logger *zap.Logger) *ConnectivityMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ConnectivityMonitor{
		probeAddr: probeAddr,
		interval:  interval,
		logger:    logger,
		online:    true,
	}
}

// OnChange registers the edge handler. Only edges are delivered; repeated
// observations of the same state are coalesced.
func (m *ConnectivityMonitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// StartMonitoring begins periodic reachability checks. A no-op when no
// probe address is configured or monitoring already runs.
func (m *ConnectivityMonitor) StartMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.probeAddr == "" {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})

	m.wg.Add(1)
	go m.monitor(m.stopChan)
}

// StopMonitoring halts the background dialer.
func (m *ConnectivityMonitor) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()
	m.wg.Wait()
}

// IsOnline reports the current connectivity belief.
func (m *ConnectivityMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// UpdateConnectivityStatus records a manual override and fires the edge
// handler when the state flips.
func (m *ConnectivityMonitor) UpdateConnectivityStatus(online bool) {
	m.setOnline(online)
}

func (m *ConnectivityMonitor) setOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	fn := m.onChange
	m.mu.Unlock()

	if changed {
		if m.logger != nil {
			m.logger.Info("Connectivity changed", zap.Bool("online", online))
		}
		if fn != nil {
			fn(online)
		}
	}
}

func (m *ConnectivityMonitor) monitor(stop chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.setOnline(m.probe())
		}
	}
}

func (m *ConnectivityMonitor) probe() bool {
	conn, err := net.DialTimeout("tcp", m.probeAddr, 5*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
