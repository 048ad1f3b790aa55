package felis

import "testing"

func TestVHandle_SingleRecordReadModifyWrite(t *testing.T) {
	h := NewVHandle(0, nil)
	sid := MakeSID(0, 100, 2)

	if err := h.AppendNewVersion(sid); err != nil {
		t.Fatalf("AppendNewVersion: %v", err)
	}
	if err := h.WriteWithVersion(sid, 0xBEEF); err != nil {
		t.Fatalf("WriteWithVersion: %v", err)
	}

	v, ok := h.ReadWithVersion(MakeSID(0, 100, 2)+1, false)
	if !ok || v != 0xBEEF {
		t.Fatalf("ReadWithVersion at sid+1 = (%v, %v), want (0xBEEF, true)", v, ok)
	}

	v, ok = h.ReadWithVersion(MakeSID(0, 200, 2), false)
	if !ok || v != 0xBEEF {
		t.Fatalf("ReadWithVersion at a later sid should still return the only version: got (%v, %v)", v, ok)
	}
}

func TestVHandle_AppendIdempotentAtTail(t *testing.T) {
	h := NewVHandle(0, nil)
	sid := MakeSID(0, 5, 0)

	if err := h.AppendNewVersion(sid); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := h.AppendNewVersion(sid); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if got := h.Size(); got != 1 {
		t.Fatalf("Size() = %d, want 1 after idempotent duplicate append", got)
	}
}

func TestVHandle_VersionsStaySorted(t *testing.T) {
	h := NewVHandle(0, nil)
	sids := []SID{
		MakeSID(0, 30, 0),
		MakeSID(0, 10, 0),
		MakeSID(0, 20, 0),
		MakeSID(0, 40, 0),
	}
	for _, s := range sids {
		if err := h.AppendNewVersion(s); err != nil {
			t.Fatalf("AppendNewVersion(%s): %v", s, err)
		}
	}
	for i := 1; i < len(h.versions); i++ {
		if h.versions[i-1] >= h.versions[i] {
			t.Fatalf("versions not sorted: %v", h.versions)
		}
	}
}

func TestVHandle_WriteUnknownSIDIsContractViolation(t *testing.T) {
	h := NewVHandle(0, nil)
	err := h.WriteWithVersion(MakeSID(0, 1, 0), 1)
	if err == nil {
		t.Fatal("expected error writing an unappended sid")
	}
	var cv *ContractViolation
	if !asContractViolation(err, &cv) {
		t.Fatalf("expected *ContractViolation, got %T: %v", err, err)
	}
}

func asContractViolation(err error, target **ContractViolation) bool {
	cv, ok := err.(*ContractViolation)
	if ok {
		*target = cv
	}
	return ok
}

func TestVHandle_ReadBeforeAnyVersionReturnsFalse(t *testing.T) {
	h := NewVHandle(0, nil)
	if err := h.AppendNewVersion(MakeSID(0, 100, 0)); err != nil {
		t.Fatalf("AppendNewVersion: %v", err)
	}
	_, ok := h.ReadWithVersion(MakeSID(0, 50, 0), false)
	if ok {
		t.Fatal("expected no version visible before the first append")
	}
}

func TestVHandle_MarkIgnoreReturnsIgnoreOnSubsequentRead(t *testing.T) {
	h := NewVHandle(0, nil)
	first := MakeSID(0, 10, 0)
	second := MakeSID(0, 20, 0)

	if err := h.AppendNewVersion(first); err != nil {
		t.Fatal(err)
	}
	if err := h.WriteWithVersion(first, 111); err != nil {
		t.Fatal(err)
	}
	if err := h.AppendNewVersion(second); err != nil {
		t.Fatal(err)
	}
	if err := h.MarkIgnore(second); err != nil {
		t.Fatal(err)
	}

	v, ok := h.ReadWithVersion(MakeSID(0, 30, 0), false)
	if !ok || v != Ignore {
		t.Fatalf("reading a sid past the ignored version should resolve to it (Ignore): got (%v,%v)", v, ok)
	}
}

func TestVHandle_ReadBit(t *testing.T) {
	h := NewVHandle(0, nil)
	h.EnableReadBits()
	sid := MakeSID(0, 10, 0)
	if err := h.AppendNewVersion(sid); err != nil {
		t.Fatal(err)
	}
	if err := h.WriteWithVersion(sid, 1); err != nil {
		t.Fatal(err)
	}
	if h.CheckReadBit(MakeSID(0, 20, 0)) {
		t.Fatal("read bit should not be set before any read")
	}
	if _, ok := h.ReadWithVersion(MakeSID(0, 20, 0), true); !ok {
		t.Fatal("expected a visible version")
	}
	if !h.CheckReadBit(MakeSID(0, 20, 0)) {
		t.Fatal("read bit should be set after a read with readBit=true")
	}
}

func TestVHandle_GarbageCollectPreservesLatest(t *testing.T) {
	h := NewVHandle(0, nil)
	s1, s2, s3 := MakeSID(0, 10, 0), MakeSID(0, 20, 0), MakeSID(0, 30, 0)
	for i, s := range []SID{s1, s2, s3} {
		if err := h.AppendNewVersion(s); err != nil {
			t.Fatal(err)
		}
		if err := h.WriteWithVersion(s, uint64(i+1)); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.GarbageCollect(1); err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	if got := h.Size(); got != 1 {
		t.Fatalf("Size() after GC = %d, want 1", got)
	}

	v, ok := h.ReadWithVersion(MakeSID(0, 40, 0), false)
	if !ok || v != 3 {
		t.Fatalf("GC should preserve the observable value at the latest sid: got (%v,%v), want (3,true)", v, ok)
	}
}

func TestVHandle_GarbageCollectEmptyIsContractViolation(t *testing.T) {
	h := NewVHandle(0, nil)
	if err := h.GarbageCollect(0); err == nil {
		t.Fatal("expected an error GC-ing an empty handle")
	}
}
