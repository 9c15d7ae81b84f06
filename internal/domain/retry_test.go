package domain

import "testing"

func TestRetryRecordInitOnlyWhenEmpty(t *testing.T) {
	var r RetryRecord
	r.Init(Buypower, "ref-1")
	r.Init(Irecharge, "ref-2") // must be a no-op

	if len(r) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(r))
	}
	if r[0].Vendor != Buypower || r[0].RetryCount != 1 || len(r[0].References) != 1 {
		t.Fatalf("unexpected entry: %+v", r[0])
	}
}

func TestRetryRecordStaysBelowThreshold(t *testing.T) {
	r := RetryRecord{{Vendor: Buypower, RetryCount: 3, Attempt: 3, References: []string{"a", "b", "c"}}}

	if !r.ShouldStay(Buypower, 4) {
		t.Fatalf("retryCount 3 < 4 must stay on the same vendor")
	}
	r.Stay("d")

	last := r.Last()
	if len(r) != 1 {
		t.Fatalf("stay must not push a new entry, got %d entries", len(r))
	}
	if last.RetryCount != 4 {
		t.Fatalf("expected retryCount 4, got %d", last.RetryCount)
	}
	if got := last.References[len(last.References)-1]; got != "d" {
		t.Fatalf("expected fresh reference appended, got %q", got)
	}
}

func TestRetryRecordSwitchesAtThreshold(t *testing.T) {
	r := RetryRecord{{Vendor: Buypower, RetryCount: 4, Attempt: 4, References: []string{"a"}}}

	if r.ShouldStay(Buypower, 4) {
		t.Fatalf("retryCount 4 >= 4 must switch")
	}
	r.Switch(Irecharge, "ir-ref")

	if len(r) != 2 {
		t.Fatalf("expected 2 entries after switch, got %d", len(r))
	}
	last := r.Last()
	if last.Vendor != Irecharge || last.RetryCount != 1 {
		t.Fatalf("unexpected new entry: %+v", last)
	}
	if len(last.References) != 1 || last.References[0] != "ir-ref" {
		t.Fatalf("new entry must carry the issued reference: %+v", last.References)
	}
}

func TestRetryRecordShouldStayDifferentVendor(t *testing.T) {
	r := RetryRecord{{Vendor: Buypower, RetryCount: 1, References: []string{"a"}}}
	if r.ShouldStay(Baxi, 4) {
		t.Fatalf("last entry belongs to another vendor, must not stay")
	}
}

func TestRetryRecordLedgerInvariant(t *testing.T) {
	var r RetryRecord
	r.Init(Buypower, "r1")
	r.Stay("r2")
	r.Switch(Baxi, "r3")
	r.Stay("r4")

	for i, e := range r {
		if len(e.References) == 0 {
			t.Fatalf("entry %d has no references", i)
		}
	}
	if r[0].Vendor == r[1].Vendor {
		t.Fatalf("adjacent entries must differ in vendor")
	}
}
