// Package upgrade implements the firmware update feature.
//
// A transfer is a conversation of upgrade PDUs. The host sends them in
// UPGRADE_CONTROL commands; the accessory answers with UPGRADE_DATA
// notifications. Image bytes travel either inside control commands or, on
// GATT connections, over RWCP on the data channel.
//
// The host side walks these phases:
//
//	Idle -> Connecting -> Syncing -> Transferring -> Validating
//	     -> Restarting (accessory reboots) -> Committing -> Complete
//
// Aborted is reachable from every active phase. A transfer interrupted by
// the reboot is resumed on the next session with Plugin.Resume.
package upgrade

// Phase is the state of the update state machine.
type Phase int

const (
	// PhaseIdle means no transfer has been started.
	PhaseIdle Phase = iota

	// PhaseConnecting opens the upgrade channel and selects the data
	// endpoint.
	PhaseConnecting

	// PhaseSyncing matches the image against the accessory's partial copy
	// and learns where to resume.
	PhaseSyncing

	// PhaseTransferring sends image bytes on request.
	PhaseTransferring

	// PhaseValidating polls the accessory until it has verified the image.
	PhaseValidating

	// PhaseRestarting waits for the accessory to reboot into the new image.
	PhaseRestarting

	// PhaseCommitting confirms the new image after the reboot.
	PhaseCommitting

	// PhaseComplete means the accessory runs the new image.
	PhaseComplete

	// PhaseAborted means the transfer failed or was cancelled.
	PhaseAborted
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseConnecting:
		return "Connecting"
	case PhaseSyncing:
		return "Syncing"
	case PhaseTransferring:
		return "Transferring"
	case PhaseValidating:
		return "Validating"
	case PhaseRestarting:
		return "Restarting"
	case PhaseCommitting:
		return "Committing"
	case PhaseComplete:
		return "Complete"
	case PhaseAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// IsActive reports whether a transfer is in progress.
func (p Phase) IsActive() bool {
	return p > PhaseIdle && p < PhaseComplete
}

// ResumePoint is where the accessory picks up a transfer, reported in
// SYNC_CFM.
type ResumePoint uint8

const (
	// ResumeData restarts or continues sending image bytes.
	ResumeData ResumePoint = iota

	// ResumeValidation skips to image validation.
	ResumeValidation

	// ResumeTransferComplete means validation passed and the accessory waits
	// for permission to reboot.
	ResumeTransferComplete

	// ResumePostReboot means the accessory rebooted into the new image and
	// waits for the commit.
	ResumePostReboot
)

func (r ResumePoint) String() string {
	switch r {
	case ResumeData:
		return "Data"
	case ResumeValidation:
		return "Validation"
	case ResumeTransferComplete:
		return "TransferComplete"
	case ResumePostReboot:
		return "PostReboot"
	default:
		return "Unknown"
	}
}

// EventType identifies an update event.
type EventType int

const (
	// EventPhaseChanged reports a new phase. Err is set on PhaseAborted.
	EventPhaseChanged EventType = iota

	// EventProgress reports acknowledged image bytes.
	EventProgress

	// EventCommitRequested means the accessory waits for Commit.
	EventCommitRequested
)

func (t EventType) String() string {
	switch t {
	case EventPhaseChanged:
		return "PhaseChanged"
	case EventProgress:
		return "Progress"
	case EventCommitRequested:
		return "CommitRequested"
	default:
		return "Unknown"
	}
}

// DataEndpoint selects how image bytes are carried.
type DataEndpoint uint8

const (
	// EndpointControl carries DATA PDUs in UPGRADE_CONTROL commands.
	EndpointControl DataEndpoint = 0

	// EndpointRWCP carries DATA PDUs over RWCP on the data channel.
	EndpointRWCP DataEndpoint = 1
)
