package stream

import (
	"errors"
	"testing"

	"github.com/jabberd-go/s2s/conntable"
	"github.com/jabberd-go/s2s/config"
	"github.com/jabberd-go/s2s/dispatch"
	"github.com/jabberd-go/s2s/dnsresolve"
	"github.com/jabberd-go/s2s/mio"
	"github.com/jabberd-go/s2s/xmpp"
)

type fakeCodec struct {
	streamID       string
	offersVersion  bool
	offersSTARTTLS bool
	startTLSErr    error
	startTLSCalls  int
	lastPacket     *xmpp.Packet
	written        []*xmpp.Packet
	closed         bool
}

func (f *fakeCodec) Feed(data []byte) []Event            { return nil }
func (f *fakeCodec) Drain() []byte                        { return nil }
func (f *fakeCodec) WritePacket(pkt *xmpp.Packet)         { f.written = append(f.written, pkt) }
func (f *fakeCodec) LastPacket() *xmpp.Packet             { return f.lastPacket }
func (f *fakeCodec) StreamID() string                      { return f.streamID }
func (f *fakeCodec) StreamOffersVersion() bool            { return f.offersVersion }
func (f *fakeCodec) FeaturesOfferSTARTTLS() bool          { return f.offersSTARTTLS }
func (f *fakeCodec) StartTLS() error                      { f.startTLSCalls++; return f.startTLSErr }
func (f *fakeCodec) Close()                                { f.closed = true }

func newTestGlue(t *testing.T, codec *fakeCodec, tlsConfigured bool) *Glue {
	t.Helper()
	cfg := config.Default()
	cfg.LocalSecret = "s3cr3t"

	reactor, err := mio.New(64, mio.BackendPoll, nil)
	if err != nil {
		t.Fatalf("mio.New: %v", err)
	}
	resolver := dnsresolve.NewResolver(nil, cfg.LookupSRV, cfg.ResolveAAAA, nil)
	engine := dispatch.New(cfg, reactor, resolver, func(*xmpp.Packet, string) {}, nil)

	entry := conntable.NewConn("1.2.3.4", 5269)
	entry.AddRoute("a.example/b.example")

	return New(reactor, codec, engine, entry, tlsConfigured, nil)
}

func featuresPacket() *xmpp.Packet {
	return &xmpp.Packet{Doc: &xmpp.NAD{Elements: []xmpp.Element{{Name: "stream:features"}}}}
}

func TestOnStreamGoesOnlineWithoutTLS(t *testing.T) {
	g := newTestGlue(t, &fakeCodec{offersVersion: true}, false)
	g.onStream()
	if !g.entry.Online {
		t.Fatal("expected the connection to go online when local TLS is unconfigured")
	}
}

func TestOnStreamGoesOnlineWhenPeerOmitsVersion(t *testing.T) {
	g := newTestGlue(t, &fakeCodec{offersVersion: false}, true)
	g.onStream()
	if !g.entry.Online {
		t.Fatal("expected the connection to go online when the peer did not offer a stream version")
	}
}

func TestOnStreamWaitsForFeaturesWhenVersionedAndTLSConfigured(t *testing.T) {
	g := newTestGlue(t, &fakeCodec{offersVersion: true}, true)
	g.onStream()
	if g.entry.Online {
		t.Fatal("expected to wait for <stream:features> rather than going online immediately")
	}
}

func TestOnPacketIgnoresNonFeaturesStanzas(t *testing.T) {
	codec := &fakeCodec{lastPacket: &xmpp.Packet{Doc: &xmpp.NAD{Elements: []xmpp.Element{{Name: "message"}}}}}
	g := newTestGlue(t, codec, true)
	g.onPacket()
	if g.entry.Online {
		t.Fatal("expected an ordinary stanza to leave the online state untouched")
	}
}

func TestOnPacketStartsTLSWhenOfferedAndConfigured(t *testing.T) {
	codec := &fakeCodec{lastPacket: featuresPacket(), offersSTARTTLS: true}
	g := newTestGlue(t, codec, true)
	g.onPacket()

	if codec.startTLSCalls != 1 {
		t.Fatalf("expected StartTLS invoked once, got %d", codec.startTLSCalls)
	}
	if !g.tlsActive {
		t.Error("expected tlsActive set after a successful STARTTLS")
	}
	if g.entry.Online {
		t.Error("expected STARTTLS to consume the features event rather than go online")
	}
}

func TestOnPacketSkipsTLSOnceAlreadyActive(t *testing.T) {
	codec := &fakeCodec{lastPacket: featuresPacket(), offersSTARTTLS: true}
	g := newTestGlue(t, codec, true)
	g.tlsActive = true

	g.onPacket()

	if codec.startTLSCalls != 0 {
		t.Fatalf("expected no re-negotiation once TLS is already active, got %d calls", codec.startTLSCalls)
	}
	if !g.entry.Online {
		t.Error("expected to go online once features arrive with TLS already active")
	}
}

func TestOnPacketGoesOnlineWhenSTARTTLSNotOffered(t *testing.T) {
	codec := &fakeCodec{lastPacket: featuresPacket(), offersSTARTTLS: false}
	g := newTestGlue(t, codec, true)
	g.onPacket()

	if !g.entry.Online {
		t.Fatal("expected to go online when features carry no STARTTLS offer")
	}
}

func TestBeginSTARTTLSPropagatesCodecError(t *testing.T) {
	codec := &fakeCodec{startTLSErr: errors.New("handshake failed")}
	g := newTestGlue(t, codec, true)

	if err := g.beginSTARTTLS(); err == nil {
		t.Fatal("expected the codec's STARTTLS error to propagate")
	}
	if g.tlsActive {
		t.Error("expected tlsActive to stay false on a failed handshake")
	}
}

func TestWritePacketQueuesOnCodec(t *testing.T) {
	codec := &fakeCodec{}
	g := newTestGlue(t, codec, false)
	pkt := &xmpp.Packet{From: xmpp.JID{Domain: "a.example"}, To: xmpp.JID{Domain: "b.example"}}

	if err := g.WritePacket(pkt); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if len(codec.written) != 1 || codec.written[0] != pkt {
		t.Fatalf("expected the packet queued on the codec, got %v", codec.written)
	}
}

func TestCloseClosesCodec(t *testing.T) {
	codec := &fakeCodec{}
	g := newTestGlue(t, codec, false)
	g.Close()
	if !codec.closed {
		t.Error("expected Close to close the codec")
	}
}

func TestIsFeaturesHelper(t *testing.T) {
	if isFeatures(nil) {
		t.Error("expected a nil packet to not be features")
	}
	if isFeatures(&xmpp.Packet{}) {
		t.Error("expected a packet with no document to not be features")
	}
	if !isFeatures(featuresPacket()) {
		t.Error("expected a <stream:features> root element to be recognized")
	}
}
