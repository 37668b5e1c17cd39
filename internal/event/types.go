package event

import (
	"github.com/raven2cz/avatar-engine-sub000/pkg/avatar"
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

// StateChangedData is the data for avatar.state events.
type StateChangedData struct {
	State avatar.State `json:"state"`
}

// Reasons a turn was finalized.
const (
	ReasonCompleted    = "completed"
	ReasonError        = "error"
	ReasonStopped      = "stopped"
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
)

// TurnFinishedData is the data for chat.turn.finished events.
type TurnFinishedData struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
	Content   string `json:"content"`
}

// AttachmentsChangedData is the data for chat.attachments events.
type AttachmentsChangedData struct {
	Pending []protocol.Attachment `json:"pending"`
}

// PermissionRequestedData is the data for permission.requested events.
type PermissionRequestedData struct {
	Request protocol.PermissionRequestData `json:"request"`
}

// PermissionResolvedData is the data for permission.resolved events.
type PermissionResolvedData struct {
	RequestID string `json:"request_id"`
	OptionID  string `json:"option_id,omitempty"`
	Cancelled bool   `json:"cancelled"`
}

// ActivityUpdatedData is the data for activity events.
type ActivityUpdatedData struct {
	Activity protocol.ActivityData `json:"activity"`
}
