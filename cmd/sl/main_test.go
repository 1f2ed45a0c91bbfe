package main

import (
	"context"
	"syscall"
	"testing"
	"time"
)

func TestShutdownContextCancelsOnSIGTERM(t *testing.T) {
	ctx, stop := shutdownContext(context.Background())
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("send SIGTERM: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled after SIGTERM")
	}
}
