package call

import (
	"socialhub-backend/internal/domain"
	"socialhub-backend/internal/media"
)

// event is everything the controller loop reacts to. Native negotiation
// callbacks, inbound signals, timers and UI commands all arrive here so
// the session state has a single writer.
type event interface {
	isControllerEvent()
}

type (
	// signalReceived wraps an inbound offer, answer, candidate or call-end
	signalReceived struct{ msg domain.SignalingMessage }

	// negotiationEvent wraps a media.Event from the native connection
	negotiationEvent struct{ ev media.Event }

	// mediaAcquired fires once local capture succeeded and the stream
	// was handed to the controller
	mediaAcquired struct{}

	mediaFailed struct{ err error }

	hangupRequested struct{}

	toggleRequested struct {
		kind  media.TrackKind
		reply chan domain.MediaState
	}

	connectTimeout struct{}

	durationTick struct{}

	// sessionFailed ends the session when a setup step fails outside
	// the negotiation callbacks
	sessionFailed struct {
		reason domain.TerminationReason
		err    error
	}
)

func (signalReceived) isControllerEvent()   {}
func (negotiationEvent) isControllerEvent() {}
func (mediaAcquired) isControllerEvent()    {}
func (mediaFailed) isControllerEvent()      {}
func (hangupRequested) isControllerEvent()  {}
func (toggleRequested) isControllerEvent()  {}
func (connectTimeout) isControllerEvent()   {}
func (durationTick) isControllerEvent()     {}
func (sessionFailed) isControllerEvent()    {}

