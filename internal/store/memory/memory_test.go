package memory

import (
	"context"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.HSet(ctx, "ns", "f", []byte("v1"), 0); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	v, ok, err := s.HGet(ctx, "ns", "f")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("HGet: %q %v %v", v, ok, err)
	}

	if err := s.HSet(ctx, "ns", "f", []byte("v2"), 0); err != nil {
		t.Fatalf("HSet overwrite: %v", err)
	}
	v, _, _ = s.HGet(ctx, "ns", "f")
	if string(v) != "v2" {
		t.Fatalf("覆盖写后应读到新值: %q", v)
	}

	if err := s.HDel(ctx, "ns", "f"); err != nil {
		t.Fatalf("HDel: %v", err)
	}
	if _, ok, _ := s.HGet(ctx, "ns", "f"); ok {
		t.Fatal("删除后不应再读到")
	}
}

func TestTTLExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.HSet(ctx, "ns", "short", []byte("x"), 30*time.Millisecond); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if ok, _ := s.HHas(ctx, "ns", "short"); !ok {
		t.Fatal("过期前应可见")
	}
	time.Sleep(60 * time.Millisecond)
	if ok, _ := s.HHas(ctx, "ns", "short"); ok {
		t.Fatal("过期后应不可见")
	}
}

func TestNamespacesIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.HSet(ctx, "a", "k", []byte("1"), 0)
	if ok, _ := s.HHas(ctx, "b", "k"); ok {
		t.Fatal("命名空间之间不应互相可见")
	}
}
