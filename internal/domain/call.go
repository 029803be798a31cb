package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CallKind is the media shape of a call
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
	CallKindGroup CallKind = "group"
)

// Valid reports whether k is a known call kind
func (k CallKind) Valid() bool {
	switch k {
	case CallKindAudio, CallKindVideo, CallKindGroup:
		return true
	}
	return false
}

// WantsVideo reports whether local video should be captured for this kind
func (k CallKind) WantsVideo() bool {
	return k != CallKindAudio
}

// CallRole decides which side creates the offer
type CallRole string

const (
	CallRoleCaller CallRole = "caller"
	CallRoleCallee CallRole = "callee"
)

// CallStatus is the session state machine position
type CallStatus string

const (
	CallStatusConnecting CallStatus = "connecting"
	CallStatusConnected  CallStatus = "connected"
	CallStatusEnded      CallStatus = "ended"
)

// CallOutcome is what a history record says about a finished call
type CallOutcome string

const (
	CallOutcomeCompleted CallOutcome = "completed"
	CallOutcomeFailed    CallOutcome = "failed"
	CallOutcomeDeclined  CallOutcome = "declined"
	CallOutcomeMissed    CallOutcome = "missed"
)

// TerminationReason records why a session reached ended
type TerminationReason string

const (
	ReasonLocalHangup           TerminationReason = "local-hangup"
	ReasonRemoteHangup          TerminationReason = "remote-hangup"
	ReasonSignalingTimeout      TerminationReason = "signaling-timeout"
	ReasonNegotiationFailed     TerminationReason = "negotiation-failed"
	ReasonMediaPermissionDenied TerminationReason = "media-permission-denied"
	ReasonMediaDeviceNotFound   TerminationReason = "media-device-not-found"
	ReasonMediaDeviceBusy       TerminationReason = "media-device-busy"
	ReasonDeclined              TerminationReason = "declined"
	ReasonRingTimeout           TerminationReason = "ring-timeout"
	ReasonCancelled             TerminationReason = "cancelled"
)

var reasonStatusText = map[TerminationReason]string{
	ReasonLocalHangup:           "Call ended",
	ReasonRemoteHangup:          "Call ended",
	ReasonSignalingTimeout:      "No answer. The other person didn't pick up.",
	ReasonNegotiationFailed:     "Call failed to connect. Check your network and try again.",
	ReasonMediaPermissionDenied: "Camera or microphone access was denied. Allow access and try again.",
	ReasonMediaDeviceNotFound:   "No camera or microphone was found.",
	ReasonMediaDeviceBusy:       "Camera or microphone is in use by another call.",
	ReasonDeclined:              "Call declined",
	ReasonRingTimeout:           "Missed call",
	ReasonCancelled:             "Missed call",
}

// StatusText is the user-facing line shown when a session ends for this reason
func (r TerminationReason) StatusText() string {
	if s, ok := reasonStatusText[r]; ok {
		return s
	}
	return "Call ended"
}

// MediaState tracks the local audio/video enable flags
type MediaState struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// CallSession is the in-memory state of one call from the local endpoint's
// perspective. It is owned by exactly one controller.
type CallSession struct {
	ID                  uuid.UUID         `json:"session_id"`
	ConversationID      uuid.UUID         `json:"conversation_id"`
	LocalParticipantID  uuid.UUID         `json:"local_participant_id"`
	RemoteParticipantID uuid.UUID         `json:"remote_participant_id"`
	Kind                CallKind          `json:"kind"`
	Role                CallRole          `json:"role"`
	Status              CallStatus        `json:"status"`
	StartedAt           time.Time         `json:"started_at"`
	ConnectedAt         *time.Time        `json:"connected_at,omitempty"`
	EndedAt             *time.Time        `json:"ended_at,omitempty"`
	LocalMediaEnabled   MediaState        `json:"local_media_enabled"`
	Reason              TerminationReason `json:"reason,omitempty"`
}

// DurationSeconds is whole seconds between connectedAt and at; zero if the
// session never connected.
func (s *CallSession) DurationSeconds(at time.Time) int {
	if s.ConnectedAt == nil || at.Before(*s.ConnectedAt) {
		return 0
	}
	return int(at.Sub(*s.ConnectedAt) / time.Second)
}

// CallerID returns whoever placed the call
func (s *CallSession) CallerID() uuid.UUID {
	if s.Role == CallRoleCaller {
		return s.LocalParticipantID
	}
	return s.RemoteParticipantID
}

// RecipientID returns whoever received the call
func (s *CallSession) RecipientID() uuid.UUID {
	if s.Role == CallRoleCaller {
		return s.RemoteParticipantID
	}
	return s.LocalParticipantID
}

// CallHistoryRecord is one persisted row describing a finished call from
// one side's perspective. Both sides may write their own row.
type CallHistoryRecord struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	SessionID       uuid.UUID         `json:"session_id" db:"session_id"`
	ConversationID  uuid.UUID         `json:"conversation_id" db:"conversation_id"`
	CallerID        uuid.UUID         `json:"caller_id" db:"caller_id"`
	RecipientID     uuid.UUID         `json:"recipient_id" db:"recipient_id"`
	RecordedBy      uuid.UUID         `json:"recorded_by" db:"recorded_by"`
	Kind            CallKind          `json:"kind" db:"kind"`
	Outcome         CallOutcome       `json:"outcome" db:"outcome"`
	Reason          TerminationReason `json:"reason" db:"reason"`
	DurationSeconds int               `json:"duration_seconds" db:"duration_seconds"`
	StartedAt       time.Time         `json:"started_at" db:"started_at"`
	EndedAt         time.Time         `json:"ended_at" db:"ended_at"`
}

// InviteState distinguishes a ringing invite from its cancellation
type InviteState string

const (
	InviteRinging   InviteState = "ringing"
	InviteCancelled InviteState = "cancelled"
)

// CallInvite is published on the callee's inbox when a caller starts a call.
// A second invite with the same session id and state cancelled withdraws it.
type CallInvite struct {
	SessionID      uuid.UUID   `json:"session_id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	CallerID       uuid.UUID   `json:"caller_id"`
	CallerName     string      `json:"caller_name,omitempty"`
	CalleeID       uuid.UUID   `json:"callee_id"`
	Kind           CallKind    `json:"kind"`
	State          InviteState `json:"state"`
	CreatedAt      time.Time   `json:"created_at"`
}

// SignalKind is the type tag of a signaling message
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
	SignalCallEnd      SignalKind = "call-end"
)

// Valid reports whether k is a known signal kind
func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalCallEnd:
		return true
	}
	return false
}

// SignalingMessage travels between the two controllers of a session
type SignalingMessage struct {
	Kind      SignalKind      `json:"kind"`
	SessionID uuid.UUID       `json:"session_id"`
	From      uuid.UUID       `json:"from"`
	To        uuid.UUID       `json:"to"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

// SessionDescription is the offer/answer payload
type SessionDescription struct {
	Type string `json:"type"` // offer, answer
	SDP  string `json:"sdp"`
}

// ICECandidate is the ice-candidate payload
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CallEvent is one entry of a session's diagnostic timeline
type CallEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
