package governor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"formsight/internal/logging"
)

// PowerMonitor listens for udev power_supply events and triggers an
// immediate governor re-evaluation when the battery or charger state
// changes, so mode downgrades do not wait for the next polling tick.
type PowerMonitor struct {
	logger   *slog.Logger
	governor *Governor

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewPowerMonitor creates a monitor bound to the provided governor.
func NewPowerMonitor(logger *slog.Logger, governor *Governor) *PowerMonitor {
	if governor == nil {
		return nil
	}
	return &PowerMonitor{
		logger:   logging.NewComponentLogger(logger, "power-monitor"),
		governor: governor,
	}
}

// Start begins listening for udev power events.
func (m *PowerMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; power changes will rely on polling",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the daemon has permission to access netlink sockets"),
		)
		return nil // Non-fatal, the polling loop still covers power changes.
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, quit)

	m.logger.Info("power monitor started",
		logging.String(logging.FieldEventType, "power_monitor_started"),
	)
	return nil
}

// Stop shuts down the monitor.
func (m *PowerMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false

	m.logger.Info("power monitor stopped",
		logging.String(logging.FieldEventType, "power_monitor_stopped"),
	)
}

// Running reports whether the monitor is active.
func (m *PowerMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *PowerMonitor) monitorLoop(ctx context.Context, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	monitorQuit := conn.Monitor(queue, errs, m.buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(ctx, uevent)
		case err := <-errs:
			m.logger.Warn("power monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "power_monitor_error"),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
			)
		}
	}
}

// buildMatcher creates a matcher for power_supply change events.
func (m *PowerMonitor) buildMatcher() netlink.Matcher {
	action := "change"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "power_supply",
		},
	})
	return rules
}

func (m *PowerMonitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	m.logger.Debug("power supply event",
		logging.String("action", string(uevent.Action)),
		logging.String("kobj", uevent.KObj),
	)
	snap := m.governor.Check(ctx)
	m.logger.Debug("governor re-evaluated after power event",
		logging.String(logging.FieldMode, string(snap.Mode)),
		logging.Float64("battery_percent", snap.Battery.LevelPercent),
		logging.String("battery_state", string(snap.Battery.State)),
	)
}
