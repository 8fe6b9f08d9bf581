package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/palemoky/discord-relay/internal/chat"
	"github.com/palemoky/discord-relay/internal/protocol"
	"github.com/palemoky/discord-relay/internal/testutil"
	"github.com/palemoky/discord-relay/internal/transport"
)

const (
	peerA transport.PeerID = "zmq:0a"
	peerB transport.PeerID = "zmq:0b"
	peerC transport.PeerID = "ws:c"
)

type brokerFixture struct {
	broker *Broker
	socket *testutil.FakeSocket
	poster *testutil.MockPoster
}

func newFixture(t *testing.T, opts Options) *brokerFixture {
	t.Helper()

	socket := testutil.NewFakeSocket()
	poster := new(testutil.MockPoster)
	b := NewBroker(Deps{
		Socket: socket,
		Poster: poster,
		Logger: zerolog.Nop(),
	}, opts)
	b.recvBackoff = time.Millisecond
	return &brokerFixture{broker: b, socket: socket, poster: poster}
}

// serve 在后台运行接收循环，测试结束时停止
func (f *brokerFixture) serve(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.broker.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not stop")
		}
	})
}

// waitFrames 等待接收循环处理完 n 帧
func (f *brokerFixture) waitFrames(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.broker.Stats().FramesReceived.Load() >= n
	}, 5*time.Second, time.Millisecond)
}

func chatEvent(channelID uint64, content string) chat.Event {
	return chat.Event{ChannelID: channelID, Content: content, AuthorID: "1"}
}

func TestBroker_FanOutToTwoPeers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.serve(t)

	f.socket.Push(peerA, `"KeepAlive"`)
	f.socket.Push(peerB, `"KeepAlive"`)
	f.waitFrames(t, 2)
	assert.ElementsMatch(t, []transport.PeerID{peerA, peerB}, f.broker.Registry().Snapshot())

	f.broker.HandleChatMessage(context.Background(), chatEvent(42, "hi"))

	want := []string{`{"Message":{"channel_id":42,"content":"hi"}}`}
	assert.Equal(t, want, f.socket.Sent(peerA))
	assert.Equal(t, want, f.socket.Sent(peerB))
	assert.ElementsMatch(t, []transport.PeerID{peerA, peerB}, f.broker.Registry().Snapshot())
	assert.Equal(t, int64(1), f.broker.Stats().ChatEvents.Load())
	assert.Equal(t, int64(2), f.broker.Stats().FramesSent.Load())
}

func TestBroker_EvictsPeerOnSendFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	_, _ = f.broker.Registry().Insert(peerA)
	_, _ = f.broker.Registry().Insert(peerB)
	f.socket.Fail(peerB, errors.New("connection closed"))

	f.broker.HandleChatMessage(context.Background(), chatEvent(7, "x"))

	assert.Equal(t, []string{`{"Message":{"channel_id":7,"content":"x"}}`}, f.socket.Sent(peerA))
	assert.Empty(t, f.socket.Sent(peerB))
	assert.Equal(t, []transport.PeerID{peerA}, f.broker.Registry().Snapshot())
	assert.Equal(t, int64(1), f.broker.Stats().PeersEvicted.Load())

	// 第二条消息只发给 A，即使 B 的连接恢复
	f.socket.Fail(peerB, nil)
	f.broker.HandleChatMessage(context.Background(), chatEvent(7, "y"))

	assert.Len(t, f.socket.Sent(peerA), 2)
	assert.Empty(t, f.socket.Sent(peerB))
}

func TestBroker_PeerToChatSend(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.poster.On("Post", mock.Anything, uint64(100), "hello").Return(nil).Once()
	f.serve(t)

	f.socket.Push(peerA, `{"Message":{"channel_id":100,"content":"hello"}}`)
	f.waitFrames(t, 1)

	require.Eventually(t, func() bool {
		return f.broker.Stats().PostsOK.Load() == 1
	}, 5*time.Second, time.Millisecond)

	f.poster.AssertExpectations(t)
	assert.True(t, f.broker.Registry().contains(peerA))
	assert.Empty(t, f.socket.Sent(peerA), "no reply by default")
}

func TestBroker_MalformedFrame(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	_, _ = f.broker.Registry().Insert(peerB)
	f.serve(t)

	// 未注册的 A 发来坏帧：不注册、不影响已有节点
	f.socket.Push(peerA, "not-json")
	f.socket.Push(peerB, "\xff\xfe")
	f.waitFrames(t, 2)

	assert.False(t, f.broker.Registry().contains(peerA))
	assert.True(t, f.broker.Registry().contains(peerB))
	assert.Equal(t, int64(2), f.broker.Stats().DecodeFailures.Load())

	// 循环继续，下一条正常帧照常处理
	f.socket.Push(peerA, `"KeepAlive"`)
	f.waitFrames(t, 3)
	assert.True(t, f.broker.Registry().contains(peerA))
}

func TestBroker_EmptyRegistryChatEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})

	assert.NotPanics(t, func() {
		f.broker.HandleChatMessage(context.Background(), chatEvent(1, "nobody home"))
	})
	assert.Equal(t, 0, f.socket.SendCount())
	assert.Equal(t, int64(1), f.broker.Stats().ChatEvents.Load())
}

func TestBroker_NewPeerDuringSlowFanOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	_, _ = f.broker.Registry().Insert(peerA)
	f.socket.SetDelay(peerA, 100*time.Millisecond)
	f.serve(t)

	fanOutDone := make(chan struct{})
	go func() {
		defer close(fanOutDone)
		f.broker.HandleChatMessage(context.Background(), chatEvent(1, "first"))
	}()

	// 广播进行中 B 注册
	f.socket.Push(peerB, `"KeepAlive"`)
	<-fanOutDone
	f.waitFrames(t, 1)

	require.Eventually(t, func() bool {
		return f.broker.Registry().contains(peerB)
	}, 5*time.Second, time.Millisecond)

	// 下一次广播一定包含 B
	f.broker.HandleChatMessage(context.Background(), chatEvent(1, "second"))
	assert.Contains(t, f.socket.Sent(peerB), `{"Message":{"channel_id":1,"content":"second"}}`)
	assert.Len(t, f.socket.Sent(peerA), 2)
}

func TestBroker_PostFailureIsAbsorbed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{ReplyOK: true})
	f.poster.On("Post", mock.Anything, uint64(5), "fail").Return(errors.New("403 missing access")).Once()
	f.poster.On("Post", mock.Anything, uint64(5), "ok").Return(nil).Once()
	f.serve(t)

	f.socket.Push(peerA, `{"Message":{"channel_id":5,"content":"fail"}}`)
	f.socket.Push(peerA, `{"Message":{"channel_id":5,"content":"ok"}}`)
	f.waitFrames(t, 2)

	require.Eventually(t, func() bool {
		return f.broker.Stats().PostsOK.Load() == 1
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, int64(1), f.broker.Stats().PostsFailed.Load())
	// 失败不回复，成功回复一次 OK
	assert.Equal(t, []string{`"OK"`}, f.socket.Sent(peerA))
	assert.True(t, f.broker.Registry().contains(peerA))
	f.poster.AssertExpectations(t)
}

func TestBroker_ReplyFailureEvicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{ReplyOK: true})
	f.poster.On("Post", mock.Anything, uint64(5), "hi").Return(nil).Once()
	f.socket.Fail(peerA, errors.New("gone"))
	f.serve(t)

	f.socket.Push(peerA, `{"Message":{"channel_id":5,"content":"hi"}}`)
	f.waitFrames(t, 1)

	require.Eventually(t, func() bool {
		return f.broker.Stats().PeersEvicted.Load() == 1
	}, 5*time.Second, time.Millisecond)
	assert.False(t, f.broker.Registry().contains(peerA))
}

func TestBroker_RecvErrorsDoNotStopLoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.serve(t)

	f.socket.PushError(errors.New("transient"))
	f.socket.PushError(errors.New("transient again"))
	f.socket.Push(peerC, `"KeepAlive"`)
	f.waitFrames(t, 1)

	assert.Equal(t, int64(2), f.broker.Stats().RecvErrors.Load())
	assert.True(t, f.broker.Registry().contains(peerC))
}

func TestBroker_FrameWithoutPeerIDIsNotRegistered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.poster.On("Post", mock.Anything, uint64(9), "anon").Return(nil).Once()
	f.serve(t)

	f.socket.Push("", `{"Message":{"channel_id":9,"content":"anon"}}`)
	f.waitFrames(t, 1)

	require.Eventually(t, func() bool {
		return f.broker.Stats().PostsOK.Load() == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, f.broker.Registry().Len())
}

func TestBroker_RegistryCapacity(t *testing.T) {
	t.Parallel()

	socket := testutil.NewFakeSocket()
	b := NewBroker(Deps{
		Socket:   socket,
		Poster:   new(testutil.MockPoster),
		Registry: NewPeerRegistry(1),
		Logger:   zerolog.Nop(),
	}, Options{})

	b.handleFrame(context.Background(), transport.Frame{Peer: peerA, Payload: []byte(`"KeepAlive"`)})
	b.handleFrame(context.Background(), transport.Frame{Peer: peerB, Payload: []byte(`"KeepAlive"`)})

	assert.Equal(t, []transport.PeerID{peerA}, b.Registry().Snapshot())
}

func TestBroker_RateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{MaxPerSecond: 1})
	f.poster.On("Post", mock.Anything, uint64(3), "one").Return(nil).Once()

	ctx := context.Background()
	f.broker.handleFrame(ctx, transport.Frame{Peer: peerA, Payload: []byte(`{"Message":{"channel_id":3,"content":"one"}}`)})
	f.broker.handleFrame(ctx, transport.Frame{Peer: peerA, Payload: []byte(`{"Message":{"channel_id":3,"content":"two"}}`)})

	f.poster.AssertExpectations(t)
	f.poster.AssertNumberOfCalls(t, "Post", 1)
	assert.Equal(t, int64(1), f.broker.Stats().RateLimited.Load())
	assert.True(t, f.broker.Registry().contains(peerA))
}

func TestBroker_RateWarningBeforeLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{MaxPerSecond: 4})
	now := time.Unix(1000, 0)
	f.broker.limiter.now = func() time.Time { return now }
	f.poster.On("Post", mock.Anything, uint64(3), "x").Return(nil).Times(4)

	ctx := context.Background()
	for range 5 {
		f.broker.handleFrame(ctx, transport.Frame{Peer: peerA, Payload: []byte(`{"Message":{"channel_id":3,"content":"x"}}`)})
	}

	// 阈值为上限的一半：第 3、4 条放行但告警，第 5 条被丢弃
	f.poster.AssertExpectations(t)
	assert.Equal(t, int64(2), f.broker.Stats().RateWarnings.Load())
	assert.Equal(t, int64(1), f.broker.Stats().RateLimited.Load())
	assert.Equal(t, int64(2), f.broker.Stats().Snapshot()[StatRateWarnings])
}

func TestBroker_SkipOwnMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{SkipOwnMessages: true})
	_, _ = f.broker.Registry().Insert(peerA)

	f.broker.HandleChatMessage(context.Background(), chat.Event{ChannelID: 1, Content: "echo", FromSelf: true})
	assert.Empty(t, f.socket.Sent(peerA))

	f.broker.HandleChatMessage(context.Background(), chat.Event{ChannelID: 1, Content: "human"})
	assert.Len(t, f.socket.Sent(peerA), 1)
}

func TestBroker_OwnMessagesRelayedByDefault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	_, _ = f.broker.Registry().Insert(peerA)

	f.broker.HandleChatMessage(context.Background(), chat.Event{ChannelID: 1, Content: "echo", FromSelf: true})
	assert.Len(t, f.socket.Sent(peerA), 1)
}

func TestBroker_MirrorsChatEvents(t *testing.T) {
	t.Parallel()

	socket := testutil.NewFakeSocket()
	mirror := new(testutil.MockMirror)
	b := NewBroker(Deps{Socket: socket, Poster: new(testutil.MockPoster), Mirror: mirror, Logger: zerolog.Nop()}, Options{})

	payload := []byte(`{"Message":{"channel_id":42,"content":"hi"}}`)
	mirror.On("PublishEvent", mock.Anything, payload).Return(errors.New("redis down")).Once()

	assert.NotPanics(t, func() {
		b.HandleChatMessage(context.Background(), chatEvent(42, "hi"))
	})
	mirror.AssertExpectations(t)
}

func TestBroker_HandleChatMessageRecoversPanic(t *testing.T) {
	t.Parallel()

	b := NewBroker(Deps{Socket: panicSocket{}, Poster: new(testutil.MockPoster), Logger: zerolog.Nop()}, Options{})
	_, _ = b.Registry().Insert(peerA)

	assert.NotPanics(t, func() {
		b.HandleChatMessage(context.Background(), chatEvent(1, "boom"))
	})
}

func TestBroker_ServeStopsOnClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	done := make(chan error, 1)
	go func() { done <- f.broker.Serve(context.Background()) }()

	require.NoError(t, f.socket.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after socket close")
	}
}

func TestBroker_EncodedFrameDecodesToEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	_, _ = f.broker.Registry().Insert(peerA)

	content := "line1\n\"quoted\" 🎮 𝄞"
	f.broker.HandleChatMessage(context.Background(), chatEvent(18446744073709551615, content))

	sent := f.socket.Sent(peerA)
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.NewMessage(18446744073709551615, content), mustDecode(t, sent[0]))
}

// panicSocket Send 时 panic
type panicSocket struct{}

func (panicSocket) Recv(context.Context) (transport.Frame, error) { return transport.Frame{}, transport.ErrClosed }
func (panicSocket) Send(transport.PeerID, []byte) error         { panic("send exploded") }
func (panicSocket) Close() error                                { return nil }
