package daemon

// Power handler: watches logind's PrepareForSleep signal over the
// system bus. Before sleep every session's media is handed to the
// external disk-arbitration collaborator for unmount, then connections
// are quiesced. A delay inhibitor lock holds the sleep transition
// until the quiesce finishes. Sessions are not re-logged-in on wake
// (see DESIGN.md).

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/goiscsi/iscsid/internal/iscsi"
)

// login1 bus names.
const (
	login1Dest      = "org.freedesktop.login1"
	login1Path      = "/org/freedesktop/login1"
	login1Interface = "org.freedesktop.login1.Manager"
	login1Inhibit   = login1Interface + ".Inhibit"
	prepareForSleep = "PrepareForSleep"
)

// Unmounter is the external disk-arbitration collaborator: it detaches
// a target's media before the connections go away.
type Unmounter interface {
	UnmountForTarget(iqn string) error
}

// noopUnmounter is used when no disk-arbitration collaborator is
// wired.
type noopUnmounter struct{}

func (noopUnmounter) UnmountForTarget(string) error { return nil }

// PowerMonitor reacts to system sleep notifications.
type PowerMonitor struct {
	logger    *slog.Logger
	manager   *iscsi.Manager
	unmounter Unmounter

	conn      *dbus.Conn
	inhibitor *os.File
}

// NewPowerMonitor creates a PowerMonitor. unmounter may be nil.
func NewPowerMonitor(logger *slog.Logger, manager *iscsi.Manager, unmounter Unmounter) *PowerMonitor {
	if unmounter == nil {
		unmounter = noopUnmounter{}
	}
	return &PowerMonitor{
		logger:    logger.With(slog.String("component", "power")),
		manager:   manager,
		unmounter: unmounter,
	}
}

// Run watches PrepareForSleep until the context is cancelled. A host
// without logind is not an error; the monitor just stays idle.
func (p *PowerMonitor) Run(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		p.logger.Info("system bus unavailable, sleep handling disabled",
			slog.Any("error", err))
		<-ctx.Done()
		return nil
	}
	p.conn = conn
	defer func() { _ = conn.Close() }()

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(login1Interface),
		dbus.WithMatchMember(prepareForSleep),
	); err != nil {
		return fmt.Errorf("subscribe to %s: %w", prepareForSleep, err)
	}

	p.acquireInhibitor()
	defer p.releaseInhibitor()

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			p.handleSignal(sig)
		}
	}
}

// handleSignal processes one PrepareForSleep notification.
func (p *PowerMonitor) handleSignal(sig *dbus.Signal) {
	if sig.Name != login1Interface+"."+prepareForSleep || len(sig.Body) != 1 {
		return
	}
	sleeping, ok := sig.Body[0].(bool)
	if !ok {
		return
	}

	if sleeping {
		p.logger.Info("system preparing for sleep, quiescing sessions")
		for _, target := range p.manager.ActiveTargets() {
			if err := p.unmounter.UnmountForTarget(target.IQN); err != nil {
				p.logger.Warn("unmount before sleep",
					slog.String("target", target.IQN),
					slog.Any("error", err),
				)
			}
		}
		p.manager.QuiesceAll()
		// Drop the delay lock so the transition can proceed.
		p.releaseInhibitor()
		return
	}

	p.logger.Info("system resumed")
	p.acquireInhibitor()
}

// acquireInhibitor takes a delay lock on the sleep transition.
func (p *PowerMonitor) acquireInhibitor() {
	if p.inhibitor != nil {
		return
	}

	obj := p.conn.Object(login1Dest, login1Path)
	var fd dbus.UnixFD
	err := obj.Call(login1Inhibit, 0,
		"sleep", "iscsid", "quiescing iSCSI sessions", "delay").Store(&fd)
	if err != nil {
		p.logger.Warn("acquire sleep inhibitor", slog.Any("error", err))
		return
	}
	p.inhibitor = os.NewFile(uintptr(fd), "login1-inhibitor")
}

// releaseInhibitor drops the delay lock.
func (p *PowerMonitor) releaseInhibitor() {
	if p.inhibitor == nil {
		return
	}
	_ = p.inhibitor.Close()
	p.inhibitor = nil
}
