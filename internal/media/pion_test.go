package media_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"socialhub-backend/internal/domain"
	"socialhub-backend/internal/media"
)

func newPionPair(t *testing.T, kind domain.CallKind) (media.Negotiator, media.Negotiator) {
	t.Helper()
	factory, err := media.NewPionFactory(media.PionConfig{}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	offerer, err := factory.NewPeer(ctx, kind)
	require.NoError(t, err)
	answerer, err := factory.NewPeer(ctx, kind)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = offerer.Close()
		_ = answerer.Close()
	})
	return offerer, answerer
}

func TestPionNegotiator_OfferAnswerExchange(t *testing.T) {
	offerer, answerer := newPionPair(t, domain.CallKindVideo)
	ctx := context.Background()

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")
	require.NoError(t, offerer.SetLocalDescription(ctx, offer))

	require.NoError(t, answerer.SetRemoteDescription(ctx, offer))
	answer, err := answerer.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	require.NoError(t, answerer.SetLocalDescription(ctx, answer))

	require.NoError(t, offerer.SetRemoteDescription(ctx, answer))
}

func TestPionNegotiator_AudioOfferHasNoVideo(t *testing.T) {
	offerer, _ := newPionPair(t, domain.CallKindAudio)

	offer, err := offerer.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.False(t, strings.Contains(offer.SDP, "m=video"))
}

func TestPionNegotiator_AnswerWithoutOfferFails(t *testing.T) {
	_, answerer := newPionPair(t, domain.CallKindAudio)

	_, err := answerer.CreateAnswer(context.Background())
	assert.Error(t, err)
}

func TestPionNegotiator_CloseIsIdempotent(t *testing.T) {
	offerer, _ := newPionPair(t, domain.CallKindAudio)

	assert.NoError(t, offerer.Close())
	assert.NoError(t, offerer.Close())
}
