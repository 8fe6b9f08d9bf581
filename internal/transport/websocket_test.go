package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, origins []string) (*WSSocket, *httptest.Server) {
	t.Helper()

	gw := NewWSSocket(WSOptions{AllowedOrigins: origins, Logger: zerolog.Nop()})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Close()
		srv.Close()
	})
	return gw, srv
}

func dialGateway(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWSSocket_RecvAndSend(t *testing.T) {
	t.Parallel()

	gw, srv := newTestGateway(t, nil)
	conn := dialGateway(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`"KeepAlive"`)))

	frame, err := gw.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemeWS, frame.Peer.Scheme())
	assert.Equal(t, `"KeepAlive"`, string(frame.Payload))
	assert.Equal(t, 1, gw.ConnCount())

	require.NoError(t, gw.Send(frame.Peer, []byte(`{"Message":{"channel_id":1,"content":"hi"}}`)))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"Message":{"channel_id":1,"content":"hi"}}`, string(data))
}

func TestWSSocket_EachConnectionIsADistinctPeer(t *testing.T) {
	t.Parallel()

	gw, srv := newTestGateway(t, nil)
	a := dialGateway(t, srv, nil)
	b := dialGateway(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("a")))
	fa, err := gw.Recv(ctx)
	require.NoError(t, err)

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte("b")))
	fb, err := gw.Recv(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, fa.Peer, fb.Peer)
}

func TestWSSocket_SendToUnknownPeer(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, nil)
	err := gw.Send(NewPeerID(SchemeWS, "missing"), []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestWSSocket_SendAfterDisconnectFails(t *testing.T) {
	t.Parallel()

	gw, srv := newTestGateway(t, nil)
	conn := dialGateway(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`"KeepAlive"`)))
	frame, err := gw.Recv(ctx)
	require.NoError(t, err)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	assert.Eventually(t, func() bool {
		return gw.Send(frame.Peer, []byte("x")) != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWSSocket_RejectsDisallowedOrigin(t *testing.T) {
	t.Parallel()

	_, srv := newTestGateway(t, []string{"http://allowed.example"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSSocket_Health(t *testing.T) {
	t.Parallel()

	_, srv := newTestGateway(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWSSocket_RecvAfterClose(t *testing.T) {
	t.Parallel()

	gw, _ := newTestGateway(t, nil)
	require.NoError(t, gw.Close())

	_, err := gw.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
