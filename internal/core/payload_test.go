package core

import (
	"bytes"
	"testing"
)

func TestReadRange(t *testing.T) {
	src := setupMemSource(t, map[string]string{"data.bin": "0123456789"})

	t.Run("middle range", func(t *testing.T) {
		got, err := ReadRange(src, "data.bin", 3, 4)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(got) != "3456" {
			t.Errorf("expected 3456, got %q", got)
		}
	})

	t.Run("final range ending at EOF", func(t *testing.T) {
		got, err := ReadRange(src, "data.bin", 8, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(got) != "89" {
			t.Errorf("expected 89, got %q", got)
		}
	})

	t.Run("zero length", func(t *testing.T) {
		got, err := ReadRange(src, "data.bin", 0, 0)
		if err != nil || len(got) != 0 {
			t.Fatalf("expected empty read, got %q, %v", got, err)
		}
	})

	t.Run("short read is an error", func(t *testing.T) {
		if _, err := ReadRange(src, "data.bin", 8, 5); err == nil {
			t.Error("expected error for range past EOF")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := ReadRange(src, "absent.bin", 0, 1); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestReadHead(t *testing.T) {
	src := setupMemSource(t, map[string]string{"small.txt": "abc"})

	head, err := ReadHead(src, "small.txt", 512)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(head) != "abc" {
		t.Errorf("expected abc, got %q", head)
	}
}

func TestNewPayload(t *testing.T) {
	raw := bytes.Repeat([]byte("a"), 2048)

	t.Run("uncompressed body is raw", func(t *testing.T) {
		p, err := NewPayload(raw, false)
		if err != nil {
			t.Fatal(err)
		}
		if p.Compressed || !bytes.Equal(p.Body, raw) {
			t.Error("expected raw body")
		}
	})

	t.Run("compressed body differs but raw is kept", func(t *testing.T) {
		p, err := NewPayload(raw, true)
		if err != nil {
			t.Fatal(err)
		}
		if !p.Compressed || bytes.Equal(p.Body, raw) {
			t.Error("expected compressed body")
		}
		if !bytes.Equal(p.Raw, raw) {
			t.Error("expected raw bytes to be preserved")
		}
	})
}
