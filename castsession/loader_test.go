package castsession

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go2tv.app/castsession/castprotocol"
)

func TestLoadMediaRejectsEmptyURL(t *testing.T) {
	for _, u := range []string{"", "  "} {
		sdk := newFakeSDK()
		c := initializedController(t, sdk)
		media := &fakeMedia{loadResult: okResult()}
		sdk.sessions.setCurrent(connectedSession("CC1AD845", media))

		out := c.LoadMedia(context.Background(), LoadRequest{URL: u, Title: "x"})
		require.False(t, out.Success)
		require.Equal(t, "Media URL is required", out.Error)
		require.Equal(t, InvalidArgument, out.Code)

		stops, loads := media.calls()
		require.Zero(t, stops)
		require.Zero(t, loads)
	}
}

func TestLoadMediaSuccess(t *testing.T) {
	sdk := newFakeSDK()
	c := initializedController(t, sdk)
	media := &fakeMedia{stopResult: okResult(), loadResult: okResult()}
	sdk.sessions.setCurrent(connectedSession("CC1AD845", media))
	events, cancel := c.Subscribe(4)
	defer cancel()

	out := c.LoadMedia(context.Background(), LoadRequest{
		URL:      "http://192.168.1.5:3500/movie.mp4?sig=a%2Fb",
		Title:    "Movie",
		ImageURL: "http://192.168.1.5:3500/poster.jpg",
	})
	require.True(t, out.Success, out.Error)
	require.Empty(t, c.LastError())

	stops, loads := media.calls()
	require.Equal(t, 1, stops)
	require.Equal(t, 1, loads)

	req := media.loads[0]
	require.Equal(t, "http://192.168.1.5:3500/movie.mp4?sig=a%2Fb&_cb=42", req.Media.ContentId)
	require.Equal(t, "video/mp4", req.Media.ContentType)
	require.Equal(t, castprotocol.StreamTypeBuffered, req.Media.StreamType)
	require.True(t, req.Autoplay)
	require.Zero(t, req.CurrentTime)
	require.Equal(t, "Movie", req.Media.Metadata.Title)
	require.Empty(t, req.Media.Metadata.Subtitle)
	require.Equal(t, []castprotocol.MediaImage{{URL: "http://192.168.1.5:3500/poster.jpg"}}, req.Media.Metadata.Images)

	ev := <-events
	require.Equal(t, EventMediaLoaded, ev.Type)
	require.Equal(t, "Living Room TV", ev.DeviceName)
}

func TestLoadMediaRejectedStatus(t *testing.T) {
	sdk := newFakeSDK()
	c := initializedController(t, sdk)
	media := &fakeMedia{stopResult: okResult(), loadResult: &castprotocol.MediaResult{StatusCode: 7}}
	sdk.sessions.setCurrent(connectedSession("CC1AD845", media))
	events, cancel := c.Subscribe(4)
	defer cancel()

	out := c.LoadMedia(context.Background(), LoadRequest{URL: "http://h/v.mp4"})
	require.False(t, out.Success)
	require.Equal(t, LoadRejected, out.Code)
	require.True(t, strings.HasSuffix(out.Error, "statusCode=7"), out.Error)
	require.Equal(t, "Media load failed: statusCode=7", c.LastError())

	var e *Error
	require.True(t, errors.As(out.Err, &e))
	require.Equal(t, 7, e.StatusCode)

	ev := <-events
	require.Equal(t, EventMediaError, ev.Type)
	require.Equal(t, 7, ev.StatusCode)
}

func TestLoadMediaTimesOut(t *testing.T) {
	sdk := newFakeSDK()
	c := initializedController(t, sdk)
	media := &fakeMedia{stopResult: okResult()}
	sdk.sessions.setCurrent(connectedSession("CC1AD845", media))

	start := time.Now()
	out := c.LoadMedia(context.Background(), LoadRequest{URL: "http://h/v.mp4"})
	elapsed := time.Since(start)

	require.False(t, out.Success)
	require.Equal(t, LoadTimeout, out.Code)
	require.Equal(t, "Media load timed out after 150ms (app=CC1AD845, device=Living Room TV)", out.Error)
	require.Less(t, elapsed, c.opts.LoadTimeout+c.opts.StopTimeout+time.Second)
}

func TestLoadMediaWithoutSessionFailsWithoutMediaCalls(t *testing.T) {
	sdk := newFakeSDK()
	c := initializedController(t, sdk)

	start := time.Now()
	out := c.LoadMedia(context.Background(), LoadRequest{URL: "http://h/v.mp4"})
	require.False(t, out.Success)
	require.Equal(t, NoActiveSession, out.Code)
	require.Equal(t, "No active Cast session", out.Error)
	require.GreaterOrEqual(t, time.Since(start), c.opts.SessionWaitTimeout)

	// The tracker stays, the transient waiter is gone.
	require.Equal(t, 1, sdk.sessions.listenerCount())
}

func TestLoadMediaWaitsForSessionToStart(t *testing.T) {
	sdk := newFakeSDK()
	c := initializedController(t, sdk)
	c.loader.opts.SessionWaitTimeout = 5 * time.Second

	media := &fakeMedia{stopResult: okResult(), loadResult: okResult()}
	sess := connectedSession("CC1AD845", media)
	go func() {
		time.Sleep(30 * time.Millisecond)
		sdk.sessions.setCurrent(sess)
		sdk.sessions.emit(castprotocol.SessionEvent{Kind: castprotocol.SessionStarted, Session: sess})
	}()

	start := time.Now()
	out := c.LoadMedia(context.Background(), LoadRequest{URL: "http://h/v.mp4"})
	require.True(t, out.Success, out.Error)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, 1, sdk.sessions.listenerCount())
}

func TestLoadMediaChannelUnavailable(t *testing.T) {
	sdk := newFakeSDK()
	c := initializedController(t, sdk)
	sdk.sessions.setCurrent(connectedSession("CC1AD845", nil))

	out := c.LoadMedia(context.Background(), LoadRequest{URL: "http://h/v.mp4"})
	require.Equal(t, ChannelUnavailable, out.Code)
	require.Equal(t, "Media channel unavailable on the current session", out.Error)
}

func TestLoadMediaForeignApplicationStillLoads(t *testing.T) {
	sdk := newFakeSDK()
	c := initializedController(t, sdk)
	media := &fakeMedia{stopResult: okResult(), loadResult: okResult()}
	sdk.sessions.setCurrent(connectedSession("SOMEONEELSE", media))

	out := c.LoadMedia(context.Background(), LoadRequest{URL: "http://h/v.mp4"})
	require.True(t, out.Success, out.Error)
	_, loads := media.calls()
	require.Equal(t, 1, loads)
}

func TestLoadMediaStopFailureDoesNotAbort(t *testing.T) {
	sdk := newFakeSDK()
	c := initializedController(t, sdk)

	t.Run("stop never answers", func(t *testing.T) {
		media := &fakeMedia{loadResult: okResult()}
		sdk.sessions.setCurrent(connectedSession("CC1AD845", media))
		require.True(t, c.LoadMedia(context.Background(), LoadRequest{URL: "http://h/v.mp4"}).Success)
	})

	t.Run("stop rejected", func(t *testing.T) {
		media := &fakeMedia{
			stopResult: &castprotocol.MediaResult{StatusCode: castprotocol.StatusInvalidRequest},
			loadResult: okResult(),
		}
		sdk.sessions.setCurrent(connectedSession("CC1AD845", media))
		require.True(t, c.LoadMedia(context.Background(), LoadRequest{URL: "http://h/v.mp4"}).Success)
	})
}

func TestLoadMediaRecoversFromPanics(t *testing.T) {
	sdk := newFakeSDK()
	c := initializedController(t, sdk)
	sdk.sessions.setCurrent(connectedSession("CC1AD845", &fakeMedia{panicLoad: true}))

	out := c.LoadMedia(context.Background(), LoadRequest{URL: "http://h/v.mp4"})
	require.False(t, out.Success)
	require.Equal(t, Unknown, out.Code)
	require.NotEmpty(t, c.LastError())
}

func TestLoadMediaContentType(t *testing.T) {
	t.Run("explicit wins", func(t *testing.T) {
		sdk := newFakeSDK()
		c := initializedController(t, sdk)
		media := &fakeMedia{stopResult: okResult(), loadResult: okResult()}
		sdk.sessions.setCurrent(connectedSession("CC1AD845", media))

		require.True(t, c.LoadMedia(context.Background(), LoadRequest{URL: "http://h/a.mp3", ContentType: "audio/mpeg"}).Success)
		require.Equal(t, "audio/mpeg", media.loads[0].Media.ContentType)
	})

	t.Run("sniffed when enabled", func(t *testing.T) {
		sdk := newFakeSDK()
		c := initializedController(t, sdk)
		c.loader.opts.SniffContentType = true
		c.loader.sniff = func(context.Context, string) (string, error) { return "video/webm", nil }
		media := &fakeMedia{stopResult: okResult(), loadResult: okResult()}
		sdk.sessions.setCurrent(connectedSession("CC1AD845", media))

		require.True(t, c.LoadMedia(context.Background(), LoadRequest{URL: "http://h/v"}).Success)
		require.Equal(t, "video/webm", media.loads[0].Media.ContentType)
	})

	t.Run("sniff failure falls back", func(t *testing.T) {
		sdk := newFakeSDK()
		c := initializedController(t, sdk)
		c.loader.opts.SniffContentType = true
		c.loader.sniff = func(context.Context, string) (string, error) { return "", errBoom }
		media := &fakeMedia{stopResult: okResult(), loadResult: okResult()}
		sdk.sessions.setCurrent(connectedSession("CC1AD845", media))

		require.True(t, c.LoadMedia(context.Background(), LoadRequest{URL: "http://h/v"}).Success)
		require.Equal(t, "video/mp4", media.loads[0].Media.ContentType)
	})
}

func TestBuildLoadRequestOmitsEmptyMetadata(t *testing.T) {
	data, err := buildLoadRequest(LoadRequest{URL: "http://h/v.mp4#t=10"}, "video/mp4", 7)
	require.NoError(t, err)
	require.Equal(t, "http://h/v.mp4?_cb=7#t=10", data.Media.ContentId)
	require.Equal(t, castprotocol.MetadataTypeMovie, data.Media.Metadata.MetadataType)
	require.Empty(t, data.Media.Metadata.Title)
	require.Empty(t, data.Media.Metadata.Subtitle)
	require.Nil(t, data.Media.Metadata.Images)

	_, err = buildLoadRequest(LoadRequest{URL: "http://[::1"}, "video/mp4", 7)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
