package call

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialhub-backend/internal/domain"
	"socialhub-backend/internal/media"
	"socialhub-backend/internal/media/mediatest"
	"socialhub-backend/pkg/errors"
)

func TestController_CallerHappyPath(t *testing.T) {
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindVideo)
	neg := h.connectCaller()

	assert.Equal(t, []media.Constraints{{Audio: true, Video: true}}, h.capturer.Constraints())
	assert.Len(t, neg.Tracks(), 2)
	assert.Equal(t, 1, neg.Offers())
	offer := h.remoteLog.ofKind(domain.SignalOffer)[0]
	assert.Equal(t, h.params.LocalID, offer.From)
	assert.Equal(t, h.params.RemoteID, offer.To)

	h.clock.Add(42 * time.Second)
	require.Eventually(t, func() bool { return h.ctrl.State().DurationSeconds == 42 }, waitFor, tick)

	h.ctrl.HangUp()
	h.waitDone()

	session := h.ctrl.Snapshot()
	assert.Equal(t, domain.CallStatusEnded, session.Status)
	assert.Equal(t, domain.ReasonLocalHangup, session.Reason)
	assert.True(t, neg.Closed())
	assertStreamStopped(t, h.capturer.Streams()[0])

	record := h.waitHistory()
	assert.Equal(t, domain.CallOutcomeCompleted, record.Outcome)
	assert.Equal(t, 42, record.DurationSeconds)
	assert.Equal(t, h.params.LocalID, record.CallerID)
	assert.Equal(t, h.params.RemoteID, record.RecipientID)

	require.Eventually(t, func() bool { return len(h.remoteLog.ofKind(domain.SignalCallEnd)) == 1 }, waitFor, tick)
	assert.False(t, h.local.Subscribed(h.params.ID))
}

func TestController_ConnectTimeoutFiresAtThreshold(t *testing.T) {
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindAudio)
	h.joinRemote()
	h.start()
	h.waitPeer()

	h.clock.Add(30*time.Second - time.Millisecond)
	assert.Never(t, func() bool {
		return h.ctrl.Snapshot().Status == domain.CallStatusEnded
	}, 50*time.Millisecond, tick)

	h.clock.Add(time.Millisecond)
	h.waitDone()

	session := h.ctrl.Snapshot()
	assert.Equal(t, domain.ReasonSignalingTimeout, session.Reason)
	assert.Nil(t, session.ConnectedAt)
	assert.Equal(t, errors.ErrCodeSignalingTimeout, h.ctrl.State().ErrorCode)

	record := h.waitHistory()
	assert.Equal(t, domain.CallOutcomeFailed, record.Outcome)
	assert.Zero(t, record.DurationSeconds)
}

func TestController_TimeoutCoversPermissionPrompt(t *testing.T) {
	capturer := &mediatest.Capturer{Gate: make(chan struct{})}
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindVideo, withCapturer(capturer))
	h.start()

	require.Eventually(t, func() bool { return capturer.Calls() == 1 }, waitFor, tick)
	h.clock.Add(30 * time.Second)
	h.waitDone()

	assert.Equal(t, domain.ReasonSignalingTimeout, h.ctrl.Snapshot().Reason)
	assert.Empty(t, capturer.Streams())
	assert.Nil(t, h.peers.Last())
}

func TestController_ConnectedSessionIgnoresConnectTimeout(t *testing.T) {
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindAudio)
	h.connectCaller()

	h.clock.Add(5 * time.Minute)
	assert.Never(t, func() bool {
		return h.ctrl.Snapshot().Status != domain.CallStatusConnected
	}, 50*time.Millisecond, tick)

	h.ctrl.HangUp()
	h.waitDone()
}

func TestController_CalleeBuffersCandidatesUntilOffer(t *testing.T) {
	capturer := &mediatest.Capturer{Gate: make(chan struct{})}
	h := newHarness(t, domain.CallRoleCallee, domain.CallKindVideo, withCapturer(capturer))
	h.joinRemote()
	h.start()
	require.Eventually(t, func() bool { return capturer.Calls() == 1 }, waitFor, tick)

	// C1, O, C2 all land while the permission prompt is still open
	h.remoteSend(domain.SignalICECandidate, candidate("c1"))
	h.remoteSend(domain.SignalOffer, domain.SessionDescription{Type: "offer", SDP: "v=0 remote"})
	h.remoteSend(domain.SignalICECandidate, candidate("c2"))
	require.Eventually(t, func() bool { return h.ctrl.State().Diagnostics.PendingCandidates == 2 }, waitFor, tick)

	close(capturer.Gate)
	neg := h.waitPeer()

	require.Eventually(t, func() bool { return len(neg.AppliedCandidates()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"c1", "c2"}, neg.AppliedCandidates())
	assert.Len(t, neg.RemoteDescriptions(), 1)
	require.Eventually(t, func() bool { return len(h.remoteLog.ofKind(domain.SignalAnswer)) == 1 }, waitFor, tick)
	assert.Zero(t, neg.Offers())

	h.ctrl.HangUp()
	h.waitDone()
}

func TestController_CalleeReceivesMessagesSentBeforeSubscribe(t *testing.T) {
	h := newHarness(t, domain.CallRoleCallee, domain.CallKindAudio)
	h.joinRemote()

	h.remoteSend(domain.SignalICECandidate, candidate("c1"))
	h.remoteSend(domain.SignalOffer, domain.SessionDescription{Type: "offer", SDP: "v=0 remote"})

	h.start()
	neg := h.waitPeer()

	h.remoteSend(domain.SignalICECandidate, candidate("c2"))
	require.Eventually(t, func() bool { return len(neg.AppliedCandidates()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"c1", "c2"}, neg.AppliedCandidates())
	require.Eventually(t, func() bool { return len(h.remoteLog.ofKind(domain.SignalAnswer)) == 1 }, waitFor, tick)

	neg.SetState(media.StateConnected)
	h.waitStatus(domain.CallStatusConnected)

	h.remoteSend(domain.SignalCallEnd, nil)
	h.waitDone()

	assert.Equal(t, domain.ReasonRemoteHangup, h.ctrl.Snapshot().Reason)
	assert.Empty(t, h.remoteLog.ofKind(domain.SignalCallEnd))
	assert.Equal(t, domain.CallOutcomeCompleted, h.waitHistory().Outcome)
}

func TestController_CallerIgnoresDuplicateAnswer(t *testing.T) {
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindAudio)
	neg := h.connectCaller()

	h.remoteSend(domain.SignalAnswer, domain.SessionDescription{Type: "answer", SDP: "v=0 again"})
	h.remoteSend(domain.SignalOffer, domain.SessionDescription{Type: "offer", SDP: "v=0 glare"})
	assert.Never(t, func() bool { return len(neg.RemoteDescriptions()) > 1 }, 50*time.Millisecond, tick)
	assert.Zero(t, neg.Answers())

	h.ctrl.HangUp()
	h.waitDone()
}

func TestController_TogglesDoNotRenegotiate(t *testing.T) {
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindVideo)
	neg := h.connectCaller()
	stream := h.capturer.Streams()[0]

	state := h.ctrl.ToggleAudio()
	assert.Equal(t, domain.MediaState{Audio: false, Video: true}, state)
	assert.False(t, stream.TrackOfKind(media.TrackAudio).Enabled())

	state = h.ctrl.ToggleVideo()
	assert.Equal(t, domain.MediaState{Audio: false, Video: false}, state)
	assert.False(t, stream.TrackOfKind(media.TrackVideo).Enabled())

	state = h.ctrl.ToggleAudio()
	assert.True(t, state.Audio)
	assert.True(t, stream.TrackOfKind(media.TrackAudio).Enabled())

	assert.Equal(t, domain.CallStatusConnected, h.ctrl.Snapshot().Status)
	assert.Equal(t, 1, neg.Offers())
	assert.Len(t, h.remoteLog.ofKind(domain.SignalOffer), 1)

	h.ctrl.HangUp()
	h.waitDone()
	assert.Equal(t, domain.MediaState{Audio: true, Video: false}, h.ctrl.ToggleAudio())
}

func TestController_VideoToggleIsNoopForAudioCalls(t *testing.T) {
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindAudio)
	h.connectCaller()

	assert.Equal(t, []media.Constraints{{Audio: true, Video: false}}, h.capturer.Constraints())
	state := h.ctrl.ToggleVideo()
	assert.Equal(t, domain.MediaState{Audio: true, Video: false}, state)

	h.ctrl.HangUp()
	h.waitDone()
}

func TestController_HangUpTwiceRecordsOnce(t *testing.T) {
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindAudio)
	h.connectCaller()

	h.ctrl.HangUp()
	h.ctrl.HangUp()
	h.waitDone()
	h.ctrl.HangUp()

	h.waitHistory()
	assert.Never(t, func() bool { return len(h.history.all()) > 1 }, 50*time.Millisecond, tick)
	require.Eventually(t, func() bool { return len(h.remoteLog.ofKind(domain.SignalCallEnd)) == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return len(h.remoteLog.ofKind(domain.SignalCallEnd)) > 1 }, 50*time.Millisecond, tick)
}

func TestController_RemoteCallEndBeforeAnswerIsDeclined(t *testing.T) {
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindVideo)
	h.joinRemote()
	h.start()
	h.waitPeer()

	h.remoteSend(domain.SignalCallEnd, nil)
	h.waitDone()

	assert.Equal(t, domain.ReasonRemoteHangup, h.ctrl.Snapshot().Reason)
	assert.Equal(t, "Call ended", h.ctrl.State().StatusText)
	assert.Empty(t, h.ctrl.State().ErrorCode)
	assert.Equal(t, domain.CallOutcomeDeclined, h.waitHistory().Outcome)
	assert.Empty(t, h.remoteLog.ofKind(domain.SignalCallEnd))
}

func TestController_MediaFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason domain.TerminationReason
		code   errors.ErrorCode
	}{
		{"permission denied", media.ErrPermissionDenied, domain.ReasonMediaPermissionDenied, errors.ErrCodeMediaPermissionDenied},
		{"no device", media.ErrDeviceNotFound, domain.ReasonMediaDeviceNotFound, errors.ErrCodeMediaDeviceNotFound},
		{"device busy", media.ErrDeviceBusy, domain.ReasonMediaDeviceBusy, errors.ErrCodeDeviceBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capturer := &mediatest.Capturer{Err: tt.err}
			h := newHarness(t, domain.CallRoleCaller, domain.CallKindVideo, withCapturer(capturer))
			h.joinRemote()
			h.start()
			h.waitDone()

			update := h.ctrl.State()
			assert.Equal(t, domain.CallStatusEnded, update.Status)
			assert.Equal(t, tt.reason, update.Reason)
			assert.Equal(t, tt.reason.StatusText(), update.StatusText)
			assert.Equal(t, tt.code, update.ErrorCode)
			assert.Nil(t, h.peers.Last())
			assert.Equal(t, domain.CallOutcomeFailed, h.waitHistory().Outcome)
		})
	}
}

func TestController_NegotiationFailures(t *testing.T) {
	t.Run("peer creation", func(t *testing.T) {
		h := newHarness(t, domain.CallRoleCaller, domain.CallKindAudio)
		h.peers.Err = assert.AnError
		h.start()
		h.waitDone()

		assert.Equal(t, domain.ReasonNegotiationFailed, h.ctrl.Snapshot().Reason)
		assert.Equal(t, errors.ErrCodeNegotiationFailed, h.ctrl.State().ErrorCode)
		assertStreamStopped(t, h.capturer.Streams()[0])
	})

	t.Run("connection failed while connecting", func(t *testing.T) {
		h := newHarness(t, domain.CallRoleCaller, domain.CallKindAudio)
		h.start()
		neg := h.waitPeer()
		neg.SetState(media.StateFailed)
		h.waitDone()

		assert.Equal(t, domain.ReasonNegotiationFailed, h.ctrl.Snapshot().Reason)
		assert.Equal(t, domain.CallOutcomeFailed, h.waitHistory().Outcome)
	})

	t.Run("connection lost after connect", func(t *testing.T) {
		h := newHarness(t, domain.CallRoleCaller, domain.CallKindAudio)
		neg := h.connectCaller()
		h.clock.Add(3 * time.Second)
		neg.SetState(media.StateDisconnected)
		h.waitDone()

		record := h.waitHistory()
		assert.Equal(t, domain.ReasonNegotiationFailed, record.Reason)
		assert.Equal(t, domain.CallOutcomeCompleted, record.Outcome)
		assert.Equal(t, 3, record.DurationSeconds)
	})
}

func TestController_HangUpDuringPermissionPrompt(t *testing.T) {
	capturer := &mediatest.Capturer{Gate: make(chan struct{})}
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindVideo, withCapturer(capturer))
	h.start()
	require.Eventually(t, func() bool { return capturer.Calls() == 1 }, waitFor, tick)

	h.ctrl.HangUp()
	h.waitDone()

	assert.Equal(t, domain.ReasonLocalHangup, h.ctrl.Snapshot().Reason)
	assert.Empty(t, capturer.Streams())
	assert.Equal(t, domain.CallOutcomeFailed, h.waitHistory().Outcome)
}

// lateCapturer ignores cancellation and delivers a stream once released
type lateCapturer struct {
	release chan struct{}
	called  chan struct{}
	streams chan *mediatest.Stream
	once    sync.Once
}

func (c *lateCapturer) Capture(_ context.Context, cons media.Constraints) (media.LocalStream, error) {
	c.once.Do(func() { close(c.called) })
	<-c.release
	inner := &mediatest.Capturer{}
	s, err := inner.Capture(context.Background(), cons)
	if err != nil {
		return nil, err
	}
	c.streams <- s.(*mediatest.Stream)
	return s, nil
}

func TestController_StreamArrivingAfterEndIsReleased(t *testing.T) {
	capturer := &lateCapturer{
		release: make(chan struct{}),
		called:  make(chan struct{}),
		streams: make(chan *mediatest.Stream, 1),
	}
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindVideo, withCapturer(capturer))
	h.start()
	<-capturer.called

	h.ctrl.HangUp()
	h.waitDone()
	close(capturer.release)

	select {
	case stream := <-capturer.streams:
		assertStreamStopped(t, stream)
	case <-time.After(waitFor):
		t.Fatal("capture never completed")
	}
	assert.Nil(t, h.peers.Last())
}

func TestController_ObserversSeeEveryTransition(t *testing.T) {
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindAudio)

	var mu sync.Mutex
	var statuses []domain.CallStatus
	h.ctrl.OnStateChange(func(u StateUpdate) {
		mu.Lock()
		defer mu.Unlock()
		if len(statuses) == 0 || statuses[len(statuses)-1] != u.Status {
			statuses = append(statuses, u.Status)
		}
	})
	silent := 0
	unregister := h.ctrl.OnStateChange(func(StateUpdate) { silent++ })
	unregister()

	h.connectCaller()
	h.ctrl.HangUp()
	h.waitDone()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.CallStatus{domain.CallStatusConnected, domain.CallStatusEnded}, statuses)
	assert.Zero(t, silent)
}

func TestController_HangUpBeforeStartAppliesOnStart(t *testing.T) {
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindAudio)
	h.ctrl.HangUp()
	assert.Equal(t, domain.MediaState{Audio: true}, h.ctrl.ToggleAudio())

	select {
	case <-h.ctrl.Done():
		t.Fatal("unstarted session reported done")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, domain.CallStatusConnecting, h.ctrl.Snapshot().Status)

	h.start()
	h.waitDone()
	assert.Equal(t, domain.ReasonLocalHangup, h.ctrl.Snapshot().Reason)
	h.waitHistory()
	assert.Never(t, func() bool { return len(h.history.all()) > 1 }, 50*time.Millisecond, tick)
}

func TestController_StartTwice(t *testing.T) {
	h := newHarness(t, domain.CallRoleCaller, domain.CallKindAudio)
	h.start()
	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrAlreadyStarted)
	h.ctrl.HangUp()
	h.waitDone()
}

// Any interleaving of inputs leaves the session in a legal status, and
// a final hang-up always ends it with exactly one history row.
func TestController_RandomInputsKeepStateMachineLegal(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		role := domain.CallRoleCaller
		if seed%2 == 0 {
			role = domain.CallRoleCallee
		}
		h := newHarness(t, role, domain.CallKindVideo)
		h.joinRemote()
		h.start()
		neg := h.waitPeer()

		sawEnded := false
		for i := 0; i < 25; i++ {
			switch rng.Intn(8) {
			case 0:
				h.remoteSend(domain.SignalOffer, domain.SessionDescription{Type: "offer", SDP: "v=0"})
			case 1:
				h.remoteSend(domain.SignalAnswer, domain.SessionDescription{Type: "answer", SDP: "v=0"})
			case 2:
				h.remoteSend(domain.SignalICECandidate, candidate("c"))
			case 3:
				neg.SetState(media.StateConnected)
			case 4:
				neg.DiscoverCandidate("local")
			case 5:
				h.ctrl.ToggleAudio()
			case 6:
				h.clock.Add(time.Duration(rng.Intn(5)) * time.Second)
			case 7:
				if rng.Intn(4) == 0 {
					h.remoteSend(domain.SignalCallEnd, nil)
				}
			}

			status := h.ctrl.Snapshot().Status
			assert.Contains(t, []domain.CallStatus{
				domain.CallStatusConnecting, domain.CallStatusConnected, domain.CallStatusEnded,
			}, status)
			if sawEnded {
				assert.Equal(t, domain.CallStatusEnded, status, "seed %d left ended", seed)
			}
			if status == domain.CallStatusEnded {
				sawEnded = true
			}
		}

		h.ctrl.HangUp()
		h.waitDone()
		h.waitHistory()
		assert.Never(t, func() bool { return len(h.history.all()) > 1 }, 20*time.Millisecond, tick)
	}
}
