package delivery

import (
	"context"
	"errors"
	"testing"

	"mediagate/internal/catalog"
	"mediagate/internal/platform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	photoErr, videoErr, audioErr, documentErr error
	photoCalls, documentCalls                 int
	lastPhotoHadBytes                         bool
}

func (f *fakeSender) SendPhoto(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error {
	f.photoCalls++
	f.lastPhotoHadBytes = bytes != nil
	return f.photoErr
}

func (f *fakeSender) SendVideo(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error {
	return f.videoErr
}

func (f *fakeSender) SendAudio(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error {
	return f.audioErr
}

func (f *fakeSender) SendDocument(ctx context.Context, chatID, url string, bytes []byte, filename, caption string) error {
	f.documentCalls++
	return f.documentErr
}

func TestDeliverImage_DirectURLSucceeds(t *testing.T) {
	sender := &fakeSender{}
	svc := &Service{sender: sender}

	err := svc.deliverImage(context.Background(), "chat-1", "http://example.com/result.png")
	require.NoError(t, err)
	assert.Equal(t, 1, sender.photoCalls)
	assert.Equal(t, 0, sender.documentCalls)
}

func TestDeliverImage_FallsBackToDocumentWhenURLAndBytesFail(t *testing.T) {
	sender := &fakeSender{photoErr: errors.New("telegram rejected url")}
	svc := &Service{sender: sender}

	// The URL carries a control character, so building the bytes-fallback
	// request fails before any network I/O and delivery falls through to
	// document.
	err := svc.deliverImage(context.Background(), "chat-1", "http://\x7f/unreachable")
	require.NoError(t, err)
	assert.Equal(t, 1, sender.documentCalls)
}

func TestDeliverWithDocumentFallback_VideoFallsBackOnError(t *testing.T) {
	sender := &fakeSender{videoErr: errors.New("telegram rejected video url")}
	svc := &Service{sender: sender}

	err := svc.deliverWithDocumentFallback(context.Background(), "chat-1", "http://example.com/v.mp4", sender.SendVideo, "video")
	require.NoError(t, err)
	assert.Equal(t, 1, sender.documentCalls)
}

func TestDispatch_UnknownCategoryGoesToDocument(t *testing.T) {
	sender := &fakeSender{}
	svc := &Service{sender: sender}

	lj := &lockedJob{id: "job-1", chatID: "chat-1", category: catalog.CategoryUnknown}
	err := svc.dispatch(context.Background(), lj, "http://example.com/file")
	require.NoError(t, err)
	assert.Equal(t, 1, sender.documentCalls)
}

func TestSendWithRetry_ExhaustsAttemptsOnPersistentRateLimit(t *testing.T) {
	sender := &fakeSender{videoErr: &platform.ErrRateLimited{RetryAfter: 0}, documentErr: errors.New("document also fails")}
	svc := &Service{sender: sender}

	lj := &lockedJob{id: "job-1", chatID: "chat-1", category: catalog.CategoryVideo}
	err := svc.sendWithRetry(context.Background(), "corr-1", lj, "http://example.com/v.mp4")
	assert.Error(t, err)
}

func TestResultPayload_FirstURLPrefersResultURLs(t *testing.T) {
	p := resultPayload{ResultURLs: []string{"a", "b"}, ResultURL: "c"}
	assert.Equal(t, "a", p.firstURL())
}

func TestResultPayload_FirstURLFallsBackThroughFields(t *testing.T) {
	assert.Equal(t, "c", resultPayload{ResultURL: "c"}.firstURL())
	assert.Equal(t, "d", resultPayload{URL: "d"}.firstURL())
	assert.Equal(t, "e", resultPayload{Output: []string{"e"}}.firstURL())
	assert.Equal(t, "", resultPayload{}.firstURL())
}
