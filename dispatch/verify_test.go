package dispatch

import "testing"

type fakeIncomingConn struct {
	streamID    string
	validSet    map[string]bool
	results     []string
	raisedError string
	closed      bool
}

func (f *fakeIncomingConn) StreamID() string { return f.streamID }

func (f *fakeIncomingConn) SetRouteValid(routeKey string, valid bool) {
	if f.validSet == nil {
		f.validSet = make(map[string]bool)
	}
	f.validSet[routeKey] = valid
}

func (f *fakeIncomingConn) SendResult(routeKey, typ string) {
	f.results = append(f.results, routeKey+":"+typ)
}

func (f *fakeIncomingConn) RaiseStreamError(err string) { f.raisedError = err }
func (f *fakeIncomingConn) Close()                      { f.closed = true }

func TestOutVerifyMarksRouteValid(t *testing.T) {
	e, _ := newTestEngine(t)
	incoming := &fakeIncomingConn{streamID: "stream-1"}
	e.table.PutIncoming("stream-1", incoming)

	e.OutVerify("stream-1", "a.example", "b.example", "valid")

	if !incoming.validSet["a.example/b.example"] {
		t.Fatal("expected the route marked valid")
	}
	if len(incoming.results) != 1 || incoming.results[0] != "a.example/b.example:valid" {
		t.Fatalf("expected a db:result sent back, got %v", incoming.results)
	}
	if incoming.closed {
		t.Error("expected a valid verify to leave the incoming stream open")
	}
}

func TestOutVerifyClosesStreamOnInvalid(t *testing.T) {
	e, _ := newTestEngine(t)
	incoming := &fakeIncomingConn{streamID: "stream-1"}
	e.table.PutIncoming("stream-1", incoming)

	e.OutVerify("stream-1", "a.example", "b.example", "invalid")

	if incoming.validSet["a.example/b.example"] {
		t.Fatal("expected the route marked invalid")
	}
	if incoming.raisedError != "invalid-id" {
		t.Fatalf("expected an invalid-id stream error, got %q", incoming.raisedError)
	}
	if !incoming.closed {
		t.Error("expected the incoming stream closed on an invalid verify")
	}
}

func TestOutVerifyIgnoresUnknownStreamID(t *testing.T) {
	e, _ := newTestEngine(t)
	// No PutIncoming call: this must be a no-op, not a panic.
	e.OutVerify("no-such-stream", "a.example", "b.example", "valid")
}
