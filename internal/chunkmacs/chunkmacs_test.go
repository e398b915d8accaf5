package chunkmacs

import "testing"

func TestCalcProgressContiguousFromZero(t *testing.T) {
	size := int64(3*ChunkSize + 100)
	c := New()
	c.Set(0, MAC{1}, true)
	c.Set(ChunkSize, MAC{2}, true)
	c.Set(2*ChunkSize, MAC{3}, false)

	pos, completed := c.CalcProgress(size)
	if pos != 2*ChunkSize {
		t.Fatalf("pos = %d, want %d", pos, 2*ChunkSize)
	}
	if completed != 2*ChunkSize {
		t.Fatalf("progresscompleted = %d, want %d", completed, 2*ChunkSize)
	}
}

func TestCalcProgressOutOfOrderChunksCountTowardCompletedNotPos(t *testing.T) {
	size := int64(3*ChunkSize + 100)
	c := New()
	c.Set(2*ChunkSize, MAC{9}, true) // finished out of order, gap at 0
	pos, completed := c.CalcProgress(size)
	if pos != 0 {
		t.Fatalf("pos = %d, want 0 (gap at start blocks resume point)", pos)
	}
	if completed != ChunkSize {
		t.Fatalf("progresscompleted = %d, want %d", completed, ChunkSize)
	}
}

func TestCalcProgressLastChunkTruncated(t *testing.T) {
	size := ChunkSize + 100
	c := New()
	c.Set(0, MAC{1}, true)
	c.Set(ChunkSize, MAC{2}, true)
	pos, completed := c.CalcProgress(size)
	if pos != size {
		t.Fatalf("pos = %d, want %d (fully finished file)", pos, size)
	}
	if completed != size {
		t.Fatalf("progresscompleted = %d, want %d", completed, size)
	}
}

func TestSetOverwritesExistingEntry(t *testing.T) {
	c := New()
	c.Set(0, MAC{1}, false)
	c.Set(0, MAC{2}, true)
	if len(c.Entries()) != 1 {
		t.Fatalf("expected a single entry after overwrite, got %d", len(c.Entries()))
	}
	e, ok := c.Get(0)
	if !ok || !e.Finished || e.MAC != (MAC{2}) {
		t.Fatalf("unexpected entry after overwrite: %+v", e)
	}
}

func TestEntriesStayOffsetSorted(t *testing.T) {
	c := New()
	c.Set(3*ChunkSize, MAC{3}, true)
	c.Set(0, MAC{0}, true)
	c.Set(ChunkSize, MAC{1}, true)
	entries := c.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Offset >= entries[i].Offset {
			t.Fatalf("entries not sorted: %+v", entries)
		}
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	c := New()
	c.Set(0, MAC{1, 2, 3, 4, 5, 6, 7, 8}, true)
	c.Set(ChunkSize, MAC{9}, false)

	data := c.Serialize()
	got, n, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if n != len(data) {
		t.Fatalf("consumed %d bytes, want %d", n, len(data))
	}
	if len(got.Entries()) != len(c.Entries()) {
		t.Fatalf("entry count mismatch: got %d want %d", len(got.Entries()), len(c.Entries()))
	}
	for i, e := range c.Entries() {
		if got.Entries()[i] != e {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, got.Entries()[i], e)
		}
	}
}

func TestDeserializeRejectsTruncated(t *testing.T) {
	if _, _, err := Deserialize([]byte{1, 2}); err == nil {
		t.Fatal("expected error on truncated count")
	}
	c := New()
	c.Set(0, MAC{1}, true)
	data := c.Serialize()
	if _, _, err := Deserialize(data[:len(data)-1]); err == nil {
		t.Fatal("expected error on truncated record")
	}
}
