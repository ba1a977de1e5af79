package common

import (
	"context"
	"testing"
)

func TestOwnerContext_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if oc := OwnerContextFromContext(ctx); oc != nil {
		t.Error("Expected nil OwnerContext from empty context")
	}

	oc := &OwnerContext{OwnerID: "owner-123"}
	ctx = WithOwnerContext(ctx, oc)

	got := OwnerContextFromContext(ctx)
	if got == nil {
		t.Fatal("Expected non-nil OwnerContext")
	}
	if got.OwnerID != "owner-123" {
		t.Errorf("Expected owner-123, got %s", got.OwnerID)
	}
}

func TestResolveOwnerID_Absent(t *testing.T) {
	ctx := context.Background()
	if got := ResolveOwnerID(ctx); got != "" {
		t.Errorf("Expected empty owner ID for unauthenticated context, got %q", got)
	}
}

func TestResolveOwnerID_Present(t *testing.T) {
	ctx := WithOwnerContext(context.Background(), &OwnerContext{OwnerID: "owner-456"})
	if got := ResolveOwnerID(ctx); got != "owner-456" {
		t.Errorf("Expected owner-456, got %q", got)
	}
}
