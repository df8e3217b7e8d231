package transport

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGRPCNetworkExchange(t *testing.T) {
	ctx := testContext(t)
	log := common.DiscardLogger()

	a, err := ListenGRPC(GRPCConfig{Self: "a", Listen: "127.0.0.1:0"}, log)
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenGRPC(GRPCConfig{Self: "b", Listen: "127.0.0.1:0"}, log)
	require.NoError(t, err)
	defer b.Close()

	events := b.SubscribePeerEvents(ctx)
	a.AddPeer("b", b.Addr())
	b.AddPeer("a", a.Addr())
	assert.Equal(t, []interfaces.PeerID{"b"}, a.ConnectedPeers())

	ev := <-events
	assert.Equal(t, interfaces.PeerEvent{Peer: "a", Kind: interfaces.PeerConnected}, ev)

	require.NoError(t, a.SendToPeer(ctx, "b", []byte("one")))
	require.NoError(t, a.SendToPeer(ctx, "b", []byte("two")))

	from, data, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PeerID("a"), from)
	assert.Equal(t, []byte("one"), data)

	data, err = b.ReceiveFrom(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	require.NoError(t, b.Broadcast(ctx, []byte("hi")))
	data, err = a.ReceiveFrom(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), data)
}

func TestGRPCNetworkUnknownPeer(t *testing.T) {
	a, err := ListenGRPC(GRPCConfig{Self: "a", Listen: "127.0.0.1:0"}, common.DiscardLogger())
	require.NoError(t, err)
	defer a.Close()

	err = a.SendToPeer(testContext(t), "nobody", []byte("x"))
	var sendErr *interfaces.SendFailedError
	require.ErrorAs(t, err, &sendErr)
	assert.True(t, interfaces.IsKind(err, interfaces.KindTransient))
}

func TestRelayNetwork(t *testing.T) {
	ctx := testContext(t)
	log := common.DiscardLogger()

	srv := httptest.NewServer(NewRelayServer(log))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	a, err := DialRelay(ctx, url, "a", log)
	require.NoError(t, err)
	b, err := DialRelay(ctx, url, "b", log)
	require.NoError(t, err)
	defer b.Close()

	require.Eventually(t, func() bool {
		return len(a.ConnectedPeers()) == 1 && len(b.ConnectedPeers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.SendToPeer(ctx, "b", []byte("direct")))
	data, err := b.ReceiveFrom(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("direct"), data)

	require.NoError(t, b.Broadcast(ctx, []byte("all")))
	from, data, err := a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PeerID("b"), from)
	assert.Equal(t, []byte("all"), data)

	events := b.SubscribePeerEvents(ctx)
	require.NoError(t, a.Close())
	select {
	case ev := <-events:
		assert.Equal(t, interfaces.PeerEvent{Peer: "a", Kind: interfaces.PeerDisconnected}, ev)
	case <-ctx.Done():
		t.Fatal("no disconnect event")
	}
	assert.Empty(t, b.ConnectedPeers())

	err = a.SendToPeer(ctx, "b", []byte("late"))
	require.Error(t, err)
}

func TestResolveRelaySRV(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc("_aura-relay._tcp.example.org.", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		hdr := dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60}
		m.Answer = []dns.RR{
			&dns.SRV{Hdr: hdr, Priority: 20, Weight: 5, Port: 9000, Target: "backup.example.org."},
			&dns.SRV{Hdr: hdr, Priority: 10, Weight: 1, Port: 8443, Target: "small.example.org."},
			&dns.SRV{Hdr: hdr, Priority: 10, Weight: 9, Port: 443, Target: "relay.example.org."},
		}
		_ = w.WriteMsg(m)
	})
	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	defer server.Shutdown()
	<-started

	targets, err := ResolveRelaySRV(testContext(t), "example.org", pc.LocalAddr().String())
	require.NoError(t, err)
	assert.Equal(t, []string{"relay.example.org:443", "small.example.org:8443", "backup.example.org:9000"}, targets)
	assert.Equal(t, "wss://relay.example.org:443/relay", RelayURL(targets[0]))

	_, err = ResolveRelaySRV(testContext(t), "missing.org", pc.LocalAddr().String())
	require.Error(t, err)
}
