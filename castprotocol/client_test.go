package castprotocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishen/go-chromecast/cast"
	mockCast "github.com/vishen/go-chromecast/cast/mocks"
)

// fakeApp scripts what go-chromecast reports back.
type fakeApp struct {
	app     *cast.Application
	media   []*cast.Media
	updates int
	closed  bool
}

func (f *fakeApp) Start(string, int) error { return nil }

func (f *fakeApp) Update() error {
	f.updates++
	return nil
}

func (f *fakeApp) App() *cast.Application { return f.app }

func (f *fakeApp) Status() (*cast.Application, *cast.Media, *cast.Volume) {
	if len(f.media) == 0 {
		return f.app, nil, nil
	}
	m := f.media[0]
	if len(f.media) > 1 {
		f.media = f.media[1:]
	}
	return f.app, m, &cast.Volume{Level: 0.5}
}

func (f *fakeApp) Close(bool) error {
	f.closed = true
	return nil
}

func newTestClient(app castApplication, conn cast.Conn) *CastClient {
	return &CastClient{
		app:       app,
		conn:      conn,
		host:      "10.0.0.5",
		port:      8009,
		connected: true,
		Logger:    zerolog.Nop(),
	}
}

func TestSplitDeviceAddr(t *testing.T) {
	tt := []struct {
		in       string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"192.168.1.20:8009", "192.168.1.20", 8009, false},
		{"http://192.168.1.20:8010", "192.168.1.20", 8010, false},
		{"192.168.1.20", "192.168.1.20", defaultCastPort, false},
		{"192.168.1.20:abc", "", 0, true},
		{"", "", 0, true},
	}

	for _, tc := range tt {
		t.Run(tc.in, func(t *testing.T) {
			host, port, err := splitDeviceAddr(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantHost, host)
			require.Equal(t, tc.wantPort, port)
		})
	}
}

func TestLoadPayloadJSON(t *testing.T) {
	p := newLoadPayload(LoadRequestData{
		Media: MediaItem{
			ContentId:   "http://h/v.mp4?_cb=1",
			ContentType: "video/mp4",
			Metadata: &MediaMeta{
				MetadataType: MetadataTypeMovie,
				Title:        "Clip",
			},
		},
		Autoplay: true,
	})
	p.SetRequestId(42)

	b, err := json.Marshal(p)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "LOAD",
		"requestId": 42,
		"media": {
			"contentId": "http://h/v.mp4?_cb=1",
			"contentType": "video/mp4",
			"streamType": "BUFFERED",
			"metadata": {"metadataType": 1, "title": "Clip"}
		},
		"currentTime": 0,
		"autoplay": true
	}`, string(b))
}

func TestLaunchSendsLaunchWhenAppNotRunning(t *testing.T) {
	assertions := require.New(t)

	app := &fakeApp{}
	conn := &mockCast.Conn{}
	conn.On("Send", mock.IsType(0), mock.IsType(&launchPayload{}), defaultSender, defaultReceiver, namespaceReceiver).
		Run(func(args mock.Arguments) {
			p := args.Get(1).(*launchPayload)
			assertions.Equal("LAUNCH", p.Type)
			assertions.Equal("ABCD1234", p.AppId)
			app.app = &cast.Application{AppId: "ABCD1234", SessionId: "s-1", TransportId: "t-1"}
		}).Return(nil)

	c := newTestClient(app, conn)
	got, err := c.Launch("ABCD1234")
	assertions.NoError(err)
	assertions.Equal(ReceiverApp{AppID: "ABCD1234", SessionID: "s-1", TransportID: "t-1"}, got)
	conn.AssertExpectations(t)
}

func TestLaunchJoinsRunningApp(t *testing.T) {
	app := &fakeApp{app: &cast.Application{AppId: "CC1AD845", SessionId: "s-9", TransportId: "t-9"}}
	conn := &mockCast.Conn{}

	c := newTestClient(app, conn)
	got, err := c.Launch("CC1AD845")
	require.NoError(t, err)
	require.True(t, got.Joined)
	conn.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLaunchRequiresConnection(t *testing.T) {
	c := newTestClient(&fakeApp{}, &mockCast.Conn{})
	c.connected = false

	_, err := c.Launch("CC1AD845")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestLoadConnectsThenLoads(t *testing.T) {
	conn := &mockCast.Conn{}
	conn.On("Send", 0, mock.IsType(&headerPayload{}), defaultSender, "t-1", namespaceConnection).Return(nil).Once()
	conn.On("Send", mock.IsType(0), mock.IsType(&loadPayload{}), defaultSender, "t-1", namespaceMedia).Return(nil).Once()

	c := newTestClient(&fakeApp{}, conn)
	err := c.Load("t-1", LoadRequestData{Media: MediaItem{ContentId: "http://h/a.mp4"}, Autoplay: true})
	require.NoError(t, err)
	conn.AssertExpectations(t)
}

func TestAwaitLoad(t *testing.T) {
	playing := &cast.Media{PlayerState: "PLAYING", Media: cast.MediaItem{ContentId: "u"}}
	failed := &cast.Media{PlayerState: "IDLE", IdleReason: "ERROR", Media: cast.MediaItem{ContentId: "u"}}
	other := &cast.Media{PlayerState: "PLAYING", Media: cast.MediaItem{ContentId: "old"}}

	t.Run("playing", func(t *testing.T) {
		c := newTestClient(&fakeApp{media: []*cast.Media{other, playing}}, &mockCast.Conn{})
		res := c.AwaitLoad(context.Background(), "u", time.Millisecond)
		require.True(t, res.Success())
	})

	t.Run("receiver error", func(t *testing.T) {
		c := newTestClient(&fakeApp{media: []*cast.Media{failed}}, &mockCast.Conn{})
		res := c.AwaitLoad(context.Background(), "u", time.Millisecond)
		require.Equal(t, StatusMediaLoadFailed, res.StatusCode)
	})

	t.Run("deadline", func(t *testing.T) {
		c := newTestClient(&fakeApp{media: []*cast.Media{other}}, &mockCast.Conn{})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		res := c.AwaitLoad(ctx, "u", 5*time.Millisecond)
		require.Equal(t, StatusTimeout, res.StatusCode)
	})
}

func TestGetStatus(t *testing.T) {
	c := newTestClient(&fakeApp{}, &mockCast.Conn{})
	st, err := c.GetStatus()
	require.NoError(t, err)
	require.Equal(t, &CastStatus{PlayerState: "IDLE"}, st)

	app := &fakeApp{media: []*cast.Media{{
		PlayerState: "IDLE",
		IdleReason:  "ERROR",
		Media:       cast.MediaItem{ContentId: "http://h/v.mp4", ContentType: "video/mp4"},
	}}}
	c = newTestClient(app, &mockCast.Conn{})
	st, err = c.GetStatus()
	require.NoError(t, err)
	require.Equal(t, &CastStatus{
		PlayerState: "IDLE",
		IdleReason:  "ERROR",
		ContentType: "video/mp4",
		ContentID:   "http://h/v.mp4",
	}, st)
	require.Equal(t, 1, app.updates)
}

func TestStopWithoutMediaIsNoop(t *testing.T) {
	conn := &mockCast.Conn{}
	c := newTestClient(&fakeApp{}, conn)

	require.NoError(t, c.Stop("t-1"))
	conn.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStopSendsStopForMediaSession(t *testing.T) {
	conn := &mockCast.Conn{}
	conn.On("Send", mock.IsType(0), mock.IsType(&stopPayload{}), defaultSender, "t-1", namespaceMedia).
		Run(func(args mock.Arguments) {
			require.Equal(t, 3, args.Get(1).(*stopPayload).MediaSessionId)
		}).Return(nil)

	c := newTestClient(&fakeApp{media: []*cast.Media{{MediaSessionId: 3}}}, conn)
	require.NoError(t, c.Stop("t-1"))
	conn.AssertExpectations(t)
}

func TestCloseMarksDisconnected(t *testing.T) {
	app := &fakeApp{}
	c := newTestClient(app, &mockCast.Conn{})

	require.NoError(t, c.Close(true))
	require.False(t, c.IsConnected())
	require.True(t, app.closed)
}
