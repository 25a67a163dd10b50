package appctx

import (
	"context"
	"testing"
	"time"
)

type ctxKey string

func TestDetached_SurvivesParentCancel(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.WithValue(context.Background(), ctxKey("k"), "v"))
	ctx, cancel := Detached(parent, nil, time.Second)
	defer cancel()

	cancelParent()

	select {
	case <-ctx.Done():
		t.Fatal("detached context cancelled with parent")
	case <-time.After(20 * time.Millisecond):
	}
	if got := ctx.Value(ctxKey("k")); got != "v" {
		t.Errorf("expected inherited value, got %v", got)
	}
}

func TestDetached_StopChannel(t *testing.T) {
	stop := make(chan struct{})
	ctx, cancel := Detached(context.Background(), stop, time.Minute)
	defer cancel()

	close(stop)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected cancellation after stop channel closed")
	}
}

func TestDetached_Timeout(t *testing.T) {
	ctx, cancel := Detached(context.Background(), nil, 10*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
		if ctx.Err() != context.DeadlineExceeded {
			t.Errorf("expected deadline exceeded, got %v", ctx.Err())
		}
	case <-time.After(time.Second):
		t.Fatal("expected timeout")
	}
}
