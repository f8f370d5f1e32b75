package manager

import (
	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/session"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/backkem/gaia/pkg/upgrade"
)

// Updater is the part of the update plugin the manager drives.
// *upgrade.Plugin implements it.
type Updater interface {
	Phase() upgrade.Phase
	IsUpdating() bool
	OngoingTransfer() (upgrade.Transfer, bool)
	Pause()
	Unpause()
	Resume(t upgrade.Transfer, previousTransferCompleted bool) error
}

var _ Updater = (*upgrade.Plugin)(nil)

func updaterOf(s *session.Session) (Updater, bool) {
	return session.PluginAs[Updater](s, session.UpdateFeature)
}

// handoverAnnounced pauses an active update for a static handover and arms
// the force-unpause timer.
func (m *Manager) handoverAnnounced(d *device, s *session.Session, h session.Handover) {
	if h.Kind != session.HandoverStatic {
		return
	}
	u, ok := updaterOf(s)
	if !ok || !u.IsUpdating() {
		return
	}
	u.Pause()

	wait := max(h.Delay, m.config.HandoverFloor)
	m.log.Infof("%s handing over, update paused for up to %v", d.id, wait)
	d.stopHandover()
	d.handover = m.exec.AfterFunc(wait, func() {
		d.handover = nil
		if d.session != s {
			return
		}
		m.log.Warnf("%s handover did not disconnect, unpausing update", d.id)
		if u, ok := updaterOf(s); ok {
			u.Unpause()
		}
		m.publish(Event{Type: EventHandoverTimedOut, Device: d.id, Session: s.ID()})
	})
}

// pendingRestart is an update waiting for its accessory to reboot.
type pendingRestart struct {
	device     transport.Identity
	transfer   upgrade.Transfer
	identities []transport.Identity
	timer      loop.Timer
}

// captureRestart runs at the Disconnected state, before the session stops
// its plugins.
func (m *Manager) captureRestart(d *device, s *session.Session) {
	u, ok := updaterOf(s)
	if !ok || u.Phase() != upgrade.PhaseRestarting {
		return
	}
	t, ok := u.OngoingTransfer()
	if !ok {
		return
	}
	ids := t.Destination
	if len(ids) == 0 {
		ids = d.equivalent()
	}

	m.clearRestart()
	r := &pendingRestart{device: d.id, transfer: t, identities: ids}
	r.timer = m.exec.AfterFunc(m.config.UpdateRestartTimeout, func() {
		if m.restart != r {
			return
		}
		m.restart = nil
		m.log.Warnf("%s did not return after update restart", r.device)
		m.publish(Event{Type: EventUpdateAbandoned, Device: r.device, Err: ErrRestartTimedOut})
		m.config.Connector.Scan()
	})
	m.restart = r
	m.log.Infof("%s restarting after update, waiting %v", d.id, m.config.UpdateRestartTimeout)
	m.publish(Event{Type: EventUpdateRestartPending, Device: d.id, Session: s.ID(), Delay: m.config.UpdateRestartTimeout})
}

// resumeRestart continues a pending update on a ready session of an
// equivalent device.
func (m *Manager) resumeRestart(d *device, s *session.Session) {
	r := m.restart
	if r == nil {
		return
	}
	ids := s.Identities()
	if len(ids) == 0 {
		ids = d.equivalent()
	}
	if !transport.Equivalent(ids, r.identities) {
		return
	}
	u, ok := updaterOf(s)
	if !ok {
		m.log.Warnf("%s is ready without an update plugin", d.id)
		return
	}
	m.clearRestart()

	if u.IsUpdating() {
		u.Unpause()
	} else if err := u.Resume(r.transfer, true); err != nil {
		m.log.Errorf("resume update on %s: %v", d.id, err)
		m.publish(Event{Type: EventUpdateAbandoned, Device: d.id, Session: s.ID(), Err: err})
		return
	}
	m.log.Infof("update resumed on %s", d.id)
	m.publish(Event{Type: EventUpdateResumed, Device: d.id, Session: s.ID()})
}

func (m *Manager) clearRestart() {
	if m.restart != nil {
		m.restart.timer.Stop()
		m.restart = nil
	}
}

// PendingRestart returns the transfer waiting for a rebooting accessory.
func (m *Manager) PendingRestart() (upgrade.Transfer, bool) {
	if m.restart == nil {
		return upgrade.Transfer{}, false
	}
	return m.restart.transfer, true
}
