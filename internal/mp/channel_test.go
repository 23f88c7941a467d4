package mp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func channelPair(t *testing.T, serve Handler, push Handler) (*Listener, *Peer) {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "chan.sock")

	ln, err := Listen(sock, serve)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(ln.Close)

	peer, err := Dial(sock, push)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(peer.Close)

	return ln, peer
}

func TestChannelRequestResponse(t *testing.T) {
	serve := func(kind MsgKind, payload []byte) ([]byte, int, error) {
		if kind != MsgRxTxState {
			return nil, -1, fmt.Errorf("unexpected kind %s", kind)
		}

		return []byte{1}, -1, nil
	}

	_, peer := channelPair(t, serve, nil)

	resp, fd, err := peer.Request(MsgRxTxState, nil)
	if err != nil {
		t.Fatal(err)
	}

	if fd != -1 {
		t.Fatalf("unexpected fd %d", fd)
	}

	if len(resp) != 1 || resp[0] != 1 {
		t.Fatalf("response payload: %v", resp)
	}
}

func TestChannelHandlerErrorPropagates(t *testing.T) {
	serve := func(MsgKind, []byte) ([]byte, int, error) {
		return nil, -1, errors.New("resource unavailable")
	}

	_, peer := channelPair(t, serve, nil)

	_, _, err := peer.Request(MsgVerbsCmdFd, nil)
	if err == nil {
		t.Fatal("handler error not propagated")
	}
}

func TestChannelPassesFileDescriptor(t *testing.T) {
	contents := []byte("doorbell page")

	f, err := os.CreateTemp(t.TempDir(), "page")
	if err != nil {
		t.Fatal(err)
	}

	defer f.Close()

	if _, err := f.Write(contents); err != nil {
		t.Fatal(err)
	}

	serve := func(kind MsgKind, payload []byte) ([]byte, int, error) {
		if kind != MsgVerbsCmdFd {
			return nil, -1, fmt.Errorf("unexpected kind %s", kind)
		}

		return nil, int(f.Fd()), nil
	}

	_, peer := channelPair(t, serve, nil)

	_, fd, err := peer.Request(MsgVerbsCmdFd, nil)
	if err != nil {
		t.Fatal(err)
	}

	if fd < 0 {
		t.Fatal("no descriptor received")
	}

	defer unix.Close(fd)

	// The received descriptor refers to the same file.
	buf := make([]byte, len(contents))

	if _, err := unix.Pread(fd, buf, 0); err != nil {
		t.Fatal(err)
	}

	if string(buf) != string(contents) {
		t.Fatalf("read %q through passed descriptor", buf)
	}
}

func TestChannelBroadcastReachesAllPeers(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "bcast.sock")

	ln, err := Listen(sock, nil)
	if err != nil {
		t.Fatal(err)
	}

	defer ln.Close()

	var enabled atomic.Int32

	push := func(kind MsgKind, payload []byte) ([]byte, int, error) {
		if kind == MsgStartRxTx {
			enabled.Add(1)
		}

		return nil, -1, nil
	}

	var peers []*Peer

	for i := 0; i < 3; i++ {
		p, err := Dial(sock, push)
		if err != nil {
			t.Fatal(err)
		}

		defer p.Close()

		peers = append(peers, p)
	}

	if err := ln.Broadcast(context.Background(), MsgStartRxTx); err != nil {
		t.Fatal(err)
	}

	if n := enabled.Load(); n != 3 {
		t.Fatalf("broadcast reached %d of 3 peers", n)
	}

	_ = peers
}

func TestListenerBindsHelloIdentity(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "hello.sock")

	ln, err := Listen(sock, nil)
	if err != nil {
		t.Fatal(err)
	}

	defer ln.Close()

	p, err := Dial(sock, nil)
	if err != nil {
		t.Fatal(err)
	}

	defer p.Close()

	// Dial returns after the announcement round trip, so the listener has
	// bound the identity by now.
	ids := ln.PeerIDs()
	if len(ids) != 1 || ids[0] != p.ID() {
		t.Fatalf("listener tracks %v, dialed peer is %s", ids, p.ID())
	}
}

func TestBroadcastSkipsDisconnectedPeer(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "prune.sock")

	ln, err := Listen(sock, nil)
	if err != nil {
		t.Fatal(err)
	}

	defer ln.Close()

	var acked atomic.Int32

	push := func(kind MsgKind, payload []byte) ([]byte, int, error) {
		acked.Add(1)
		return nil, -1, nil
	}

	alive, err := Dial(sock, push)
	if err != nil {
		t.Fatal(err)
	}

	defer alive.Close()

	gone, err := Dial(sock, push)
	if err != nil {
		t.Fatal(err)
	}

	gone.Close()

	// The listener notices the dead connection asynchronously.
	deadline := time.Now().Add(2 * time.Second)

	for len(ln.PeerIDs()) != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if n := len(ln.PeerIDs()); n != 1 {
		t.Fatalf("disconnected peer still tracked: %d peers", n)
	}

	if err := ln.Broadcast(context.Background(), MsgStartRxTx); err != nil {
		t.Fatalf("broadcast after disconnect: %v", err)
	}

	if n := acked.Load(); n != 1 {
		t.Fatalf("broadcast acked by %d peers, want 1", n)
	}
}

func TestChannelRequestAfterCloseFails(t *testing.T) {
	_, peer := channelPair(t, nil, nil)

	peer.Close()

	if _, _, err := peer.Request(MsgRxTxState, nil); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("request after close: got %v", err)
	}
}

func TestChannelDialWithoutListener(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "nobody.sock")

	if _, err := Dial(sock, nil); err == nil {
		t.Fatal("dial with no listener succeeded")
	}
}

func TestBroadcastWaitsForSlowPeer(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "slow.sock")

	ln, err := Listen(sock, nil)
	if err != nil {
		t.Fatal(err)
	}

	defer ln.Close()

	done := make(chan struct{})

	push := func(MsgKind, []byte) ([]byte, int, error) {
		time.Sleep(50 * time.Millisecond)
		close(done)

		return nil, -1, nil
	}

	p, err := Dial(sock, push)
	if err != nil {
		t.Fatal(err)
	}

	defer p.Close()

	if err := ln.Broadcast(context.Background(), MsgStopRxTx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	default:
		t.Fatal("broadcast returned before the peer acked")
	}
}
