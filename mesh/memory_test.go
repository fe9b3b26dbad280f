package mesh

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

func testDest(t *testing.T, namespace, aspect string) *Destination {
	t.Helper()
	id, err := NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	return NewDestination(id, In, Single, namespace, aspect)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPathDiscovery(t *testing.T) {
	m := NewMemory()
	dest := testDest(t, "example", "rpc")
	detach, err := m.Register(dest, Endpoint{})
	if err != nil {
		t.Fatal(err)
	}
	defer detach()

	if m.HasPath(dest.Hash()) {
		t.Fatalf("path known before discovery")
	}
	m.RequestPath(dest.Hash())
	waitFor(t, func() bool { return m.HasPath(dest.Hash()) }, "path discovery")

	// A destination that does not exist never resolves.
	var ghost Hash
	ghost[0] = 0xFF
	m.RequestPath(ghost)
	time.Sleep(10 * time.Millisecond)
	if m.HasPath(ghost) {
		t.Fatalf("ghost destination resolved")
	}
}

func TestDeliverReachesEndpoint(t *testing.T) {
	m := NewMemory()
	dest := testDest(t, "example", "rpc")

	var mu sync.Mutex
	var gotData []byte
	var gotFrom Hash
	detach, err := m.Register(dest, Endpoint{
		OnDatagram: func(data []byte, from Hash) {
			mu.Lock()
			gotData, gotFrom = data, from
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer detach()

	var sender Hash
	sender[0] = 0x42
	if err := m.Deliver(dest.Hash(), sender, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotData != nil
	}, "datagram delivery")

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(gotData, []byte("hello")) || gotFrom != sender {
		t.Fatalf("got %q from %s", gotData, gotFrom)
	}
}

func TestDeliverUnknownDestination(t *testing.T) {
	m := NewMemory()
	var nowhere Hash
	if err := m.Deliver(nowhere, Hash{}, []byte("x")); !errors.Is(err, ErrNoPath) {
		t.Fatalf("got %v, want ErrNoPath", err)
	}
}

func TestLinkRequestResponse(t *testing.T) {
	m := NewMemory()
	dest := testDest(t, "example", "rpc")
	detach, err := m.Register(dest, Endpoint{
		OnLinkRequest: func(path string, data []byte, respond RequestResponder) {
			respond(append([]byte(path+":"), data...))
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer detach()

	established := make(chan Link, 1)
	link, err := m.NewLink(Hash{}, dest.Hash(), func(l Link) { established <- l }, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-established
	if link.State() != LinkEstablished {
		t.Fatalf("state = %v", link.State())
	}

	resp := make(chan []byte, 1)
	failed := make(chan error, 1)
	err = link.Request("Echo", []byte("abc"),
		func(data []byte) { resp <- data },
		func(err error) { failed <- err },
		time.Second)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case data := <-resp:
		if string(data) != "Echo:abc" {
			t.Fatalf("got %q", data)
		}
	case err := <-failed:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("no response")
	}
}

func TestLinkRequestTimeout(t *testing.T) {
	m := NewMemory()
	dest := testDest(t, "example", "rpc")
	detach, _ := m.Register(dest, Endpoint{
		OnLinkRequest: func(path string, data []byte, respond RequestResponder) {
			// Never respond: the sender's timeout is its only signal.
		},
	})
	defer detach()

	established := make(chan Link, 1)
	link, err := m.NewLink(Hash{}, dest.Hash(), func(l Link) { established <- l }, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-established

	failed := make(chan error, 1)
	link.Request("Void", nil, func([]byte) { t.Error("unexpected response") },
		func(err error) { failed <- err }, 20*time.Millisecond)
	select {
	case err := <-failed:
		if !errors.Is(err, ErrRequestTimedOut) {
			t.Fatalf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("onFailed never fired")
	}
}

func TestPeerInitiatedClose(t *testing.T) {
	m := NewMemory()
	dest := testDest(t, "example", "rpc")
	detach, _ := m.Register(dest, Endpoint{})
	defer detach()

	established := make(chan Link, 1)
	closed := make(chan Link, 1)
	link, err := m.NewLink(Hash{}, dest.Hash(), func(l Link) { established <- l }, func(l Link) { closed <- l })
	if err != nil {
		t.Fatal(err)
	}
	<-established

	m.ClosePeerLinks(dest.Hash())
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("closed callback never fired")
	}
	if link.State() != LinkClosed {
		t.Fatalf("state = %v", link.State())
	}
	if err := link.Send([]byte("x")); !errors.Is(err, ErrLinkNotEstablished) {
		t.Fatalf("send on closed link: got %v", err)
	}
}

func TestAnnounceFanout(t *testing.T) {
	m := NewMemory()
	dest := testDest(t, "example", "rpc")

	got := make(chan Announce, 2)
	remove := m.AddAnnounceHandler(func(a Announce) { got <- a })

	if err := m.Announce(dest, []byte("app")); err != nil {
		t.Fatal(err)
	}
	select {
	case a := <-got:
		if a.DestHash != dest.Hash() || string(a.AppData) != "app" {
			t.Fatalf("announce %+v", a)
		}
		if !bytes.Equal(a.PublicKey, dest.Identity.PublicKey()) {
			t.Fatalf("announce missing public key")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no announce")
	}

	remove()
	m.Announce(dest, nil)
	select {
	case <-got:
		t.Fatalf("handler fired after removal")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRegisterTwice(t *testing.T) {
	m := NewMemory()
	dest := testDest(t, "example", "rpc")
	detach, err := m.Register(dest, Endpoint{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register(dest, Endpoint{}); err == nil {
		t.Fatalf("double registration should fail")
	}
	detach()
	if _, err := m.Register(dest, Endpoint{}); err != nil {
		t.Fatalf("re-registration after detach failed: %v", err)
	}
}
