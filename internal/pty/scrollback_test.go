package pty

import (
	"bytes"
	"sync"
	"testing"
)

func TestScrollback_WriteUnderCapacity(t *testing.T) {
	sb := NewScrollback(64)
	data := []byte("hello world")
	n, err := sb.Write(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(data) {
		t.Fatalf("expected %d bytes written, got %d", len(data), n)
	}
	if sb.Len() != len(data) {
		t.Fatalf("expected len %d, got %d", len(data), sb.Len())
	}
	if got := sb.Snapshot(); !bytes.Equal(got, data) {
		t.Fatalf("expected %q, got %q", data, got)
	}
}

func TestScrollback_WrapTrimsToLineBoundary(t *testing.T) {
	sb := NewScrollback(10)
	sb.Write([]byte("aaa\nbbb\n"))
	sb.Write([]byte("ccc\n"))

	// Retained: "a\nbbb\nccc\n" (10 bytes); the torn first line is dropped.
	got := sb.Snapshot()
	if want := []byte("bbb\nccc\n"); !bytes.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if sb.Len() != 10 {
		t.Fatalf("expected len 10, got %d", sb.Len())
	}
}

func TestScrollback_WrapWithoutNewlineKeepsEverything(t *testing.T) {
	sb := NewScrollback(8)
	sb.Write([]byte("abcdef"))
	sb.Write([]byte("ghijk"))

	if got, want := sb.Snapshot(), []byte("defghijk"); !bytes.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestScrollback_WriteLargerThanCapacity(t *testing.T) {
	sb := NewScrollback(4)
	sb.Write([]byte("abcdefghij"))
	if got, want := sb.Snapshot(), []byte("ghij"); !bytes.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestScrollback_Empty(t *testing.T) {
	sb := NewScrollback(0)
	if sb.Snapshot() != nil || sb.Len() != 0 {
		t.Fatal("expected nil snapshot for empty scrollback")
	}
}

func TestScrollback_ConcurrentWrites(t *testing.T) {
	sb := NewScrollback(128)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sb.Write([]byte("line\n"))
			}
		}()
	}
	wg.Wait()
	if sb.Len() != 128 {
		t.Fatalf("expected len 128, got %d", sb.Len())
	}
}
