// Package manager keeps accessory sessions alive across devices.
//
// A Manager owns one Session per registered Connection and replaces it with
// a fresh one after every disconnect. On top of the sessions it runs three
// policies, all timer driven on the manager's executor:
//
//   - Reconnection: the device of interest is reconnected after a delay when
//     its link drops or a connect attempt fails.
//   - Handover: a static handover announcement pauses the update plugin; if
//     the expected disconnect never comes the plugin is unpaused again.
//   - Update restart: an update whose accessory reboots into the new image
//     is resumed on the first equivalent session that becomes ready.
package manager

// EventType discriminates manager events.
type EventType int

const (
	// EventDeviceAdded is published by Add.
	EventDeviceAdded EventType = iota

	// EventDeviceRemoved is published by Remove.
	EventDeviceRemoved

	// EventSessionStateChanged relays a session state change. Event.State
	// and Event.Err carry the new state.
	EventSessionStateChanged

	// EventReconnectScheduled reports an armed reconnect. Event.Delay is
	// the wait.
	EventReconnectScheduled

	// EventReconnectAbandoned reports that the reconnect policy gave up.
	EventReconnectAbandoned

	// EventHandoverTimedOut reports that an announced handover never
	// disconnected and the update plugin was unpaused.
	EventHandoverTimedOut

	// EventUpdateRestartPending reports that an update is waiting for its
	// accessory to come back after a reboot.
	EventUpdateRestartPending

	// EventUpdateResumed reports that a restarted update was resumed or
	// unpaused on a new session.
	EventUpdateResumed

	// EventUpdateAbandoned reports that a restarted update was given up.
	// Event.Err holds the reason.
	EventUpdateAbandoned
)

func (t EventType) String() string {
	switch t {
	case EventDeviceAdded:
		return "DeviceAdded"
	case EventDeviceRemoved:
		return "DeviceRemoved"
	case EventSessionStateChanged:
		return "SessionStateChanged"
	case EventReconnectScheduled:
		return "ReconnectScheduled"
	case EventReconnectAbandoned:
		return "ReconnectAbandoned"
	case EventHandoverTimedOut:
		return "HandoverTimedOut"
	case EventUpdateRestartPending:
		return "UpdateRestartPending"
	case EventUpdateResumed:
		return "UpdateResumed"
	case EventUpdateAbandoned:
		return "UpdateAbandoned"
	default:
		return "Unknown"
	}
}
