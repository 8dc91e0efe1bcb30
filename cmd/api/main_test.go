package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubCloser struct {
	drained chan struct{}
}

func (s *stubCloser) Shutdown(context.Context) {
	time.Sleep(20 * time.Millisecond)
	close(s.drained)
}

func TestServeUntilShutdownWaitsForPublicationDrain(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	mgr := &stubCloser{drained: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	returned := make(chan error, 1)
	go func() {
		returned <- serveUntilShutdown(ctx, srv, mgr, zerolog.Nop())
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("serveUntilShutdown returned err: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serveUntilShutdown did not return after cancellation")
	}
	select {
	case <-mgr.drained:
	default:
		t.Fatal("returned before running publications were finalized")
	}
}

func TestServeUntilShutdownReportsListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := &http.Server{Addr: ln.Addr().String(), Handler: http.NewServeMux()}
	mgr := &stubCloser{drained: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- serveUntilShutdown(ctx, srv, mgr, zerolog.Nop())
	}()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected listen error for occupied address")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected serveUntilShutdown to surface the listen error")
	}
}
