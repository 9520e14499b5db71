package session

import (
	"bytes"
	"strings"
	"testing"
)

func TestScrollback_AppendAndSnapshot(t *testing.T) {
	sb := NewScrollback(1024)

	seq := sb.Append([]byte("hello "))
	if seq != 6 {
		t.Errorf("seq = %d, want 6", seq)
	}
	seq = sb.Append([]byte("world"))
	if seq != 11 {
		t.Errorf("seq = %d, want 11", seq)
	}

	data, snapSeq := sb.Snapshot()
	if string(data) != "hello world" {
		t.Errorf("snapshot = %q, want %q", data, "hello world")
	}
	if snapSeq != 11 {
		t.Errorf("snapshot seq = %d, want 11", snapSeq)
	}
}

func TestScrollback_BoundedByCap(t *testing.T) {
	const cap = 1000
	sb := NewScrollback(cap)

	// Append cap+1000 bytes in small chunks; the retained content must be
	// exactly the suffix and never exceed the cap.
	var all bytes.Buffer
	for i := 0; i < 200; i++ {
		chunk := []byte(strings.Repeat(string(rune('a'+i%26)), 10))
		all.Write(chunk)
		sb.Append(chunk)
	}

	data, seq := sb.Snapshot()
	if len(data) != cap {
		t.Errorf("len = %d, want %d", len(data), cap)
	}
	if seq != uint64(all.Len()) {
		t.Errorf("seq = %d, want total appended %d", seq, all.Len())
	}
	want := all.Bytes()[all.Len()-cap:]
	if !bytes.Equal(data, want) {
		t.Error("retained content is not the appended suffix")
	}
}

func TestScrollback_SeqSurvivesTruncation(t *testing.T) {
	sb := NewScrollback(10)
	sb.Append([]byte("0123456789"))
	seq := sb.Append([]byte("abcde"))
	if seq != 15 {
		t.Errorf("seq = %d, want 15 (truncation must not reset accounting)", seq)
	}
	if sb.Len() != 10 {
		t.Errorf("len = %d, want 10", sb.Len())
	}
}

func TestScrollback_SnapshotSince(t *testing.T) {
	sb := NewScrollback(1024)
	sb.Append([]byte("history"))
	sb.Append([]byte("+live"))

	delta, seq, ok := sb.SnapshotSince(7)
	if !ok {
		t.Fatal("expected ok for retained cursor")
	}
	if string(delta) != "+live" {
		t.Errorf("delta = %q, want %q", delta, "+live")
	}
	if seq != 12 {
		t.Errorf("seq = %d, want 12", seq)
	}

	// Cursor at the tip: empty delta, still ok.
	delta, _, ok = sb.SnapshotSince(12)
	if !ok || len(delta) != 0 {
		t.Errorf("tip cursor: delta = %q ok=%v, want empty/true", delta, ok)
	}
}

func TestScrollback_SnapshotSinceTruncated(t *testing.T) {
	sb := NewScrollback(5)
	sb.Append([]byte("0123456789")) // retains only "56789"

	if _, _, ok := sb.SnapshotSince(2); ok {
		t.Error("expected ok=false for cursor before retained head")
	}
	// Cursor ahead of the sequence (stale from another generation).
	if _, _, ok := sb.SnapshotSince(99); ok {
		t.Error("expected ok=false for cursor beyond current seq")
	}
}

func TestScrollback_Restore(t *testing.T) {
	sb := NewScrollback(1024)
	sb.Restore([]byte("restored"), 500)

	data, seq := sb.Snapshot()
	if string(data) != "restored" {
		t.Errorf("data = %q, want %q", data, "restored")
	}
	if seq != 500 {
		t.Errorf("seq = %d, want 500", seq)
	}

	// Appends continue from the restored sequence.
	if got := sb.Append([]byte("!")); got != 501 {
		t.Errorf("seq after append = %d, want 501", got)
	}
}

func TestScrollback_Reset(t *testing.T) {
	sb := NewScrollback(1024)
	sb.Append([]byte("gone"))
	sb.Reset()
	if sb.Len() != 0 || sb.Seq() != 0 {
		t.Errorf("after reset: len=%d seq=%d, want 0/0", sb.Len(), sb.Seq())
	}
}
