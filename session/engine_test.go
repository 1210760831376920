package session

import (
	"context"
	"testing"
	"time"

	"github.com/jabberd-go/s2s/config"
	"github.com/jabberd-go/s2s/conntable"
	"github.com/jabberd-go/s2s/stream"
	"github.com/jabberd-go/s2s/xmpp"
)

type fakeCodec struct{}

func (fakeCodec) Feed(data []byte) []stream.Event { return nil }
func (fakeCodec) Drain() []byte                   { return nil }
func (fakeCodec) WritePacket(pkt *xmpp.Packet)    {}
func (fakeCodec) LastPacket() *xmpp.Packet        { return nil }
func (fakeCodec) StreamID() string                { return "" }
func (fakeCodec) StreamOffersVersion() bool       { return true }
func (fakeCodec) FeaturesOfferSTARTTLS() bool     { return false }
func (fakeCodec) StartTLS() error                 { return nil }
func (fakeCodec) Close()                          {}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LocalSecret = "s3cr3t"
	return cfg
}

func TestNewBuildsASession(t *testing.T) {
	s, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.ID().String() == "" {
		t.Fatal("expected a non-empty session id")
	}
	if s.Dispatch() == nil || s.Reactor() == nil {
		t.Fatal("expected a wired dispatch engine and reactor")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.LocalSecret = ""
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected Validate's error to propagate")
	}
}

func TestSetCodecFactoryWiresAHandler(t *testing.T) {
	s, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetCodecFactory(false, func(conn *conntable.Conn) stream.Codec {
		return fakeCodec{}
	})
	// SetCodecFactory only registers the dispatch engine's handler
	// factory; exercising it end to end requires a live dial, covered by
	// dispatch's own tests against the factory hook.
}

func TestKillStopsRun(t *testing.T) {
	s, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Kill()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after Kill")
	}
	if !s.Done() {
		t.Fatal("expected Done to report true after Kill")
	}
}
