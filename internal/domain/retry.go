package domain

// RetryEntry is one row of the per-transaction retry ledger: which vendor
// handled which attempt, how many times it was retried, and every reference
// generated against it.
type RetryEntry struct {
	Vendor     Vendor   `json:"vendor"`
	RetryCount int      `json:"retryCount"`
	Attempt    int      `json:"attempt"`
	References []string `json:"reference"`
}

// RetryRecord is the append-only ledger. A new entry is pushed only when the
// vendor changes; same-vendor retries increment the last entry's count and
// append a fresh reference to it.
type RetryRecord []RetryEntry

// Last returns the most recent ledger entry, or nil when the ledger is empty.
func (r RetryRecord) Last() *RetryEntry {
	if len(r) == 0 {
		return nil
	}
	return &r[len(r)-1]
}

// Init seeds the ledger with the transaction's current vendor and reference
// when no attempts have been recorded yet.
func (r *RetryRecord) Init(v Vendor, reference string) {
	if len(*r) > 0 {
		return
	}
	*r = append(*r, RetryEntry{
		Vendor:     v,
		RetryCount: 1,
		Attempt:    1,
		References: []string{reference},
	})
}

// ShouldStay reports whether the next attempt stays on the given vendor:
// true while the last entry belongs to it and its retryCount is still below
// the switch threshold.
func (r RetryRecord) ShouldStay(v Vendor, retryBeforeSwitch int) bool {
	last := r.Last()
	if last == nil {
		return false
	}
	return last.Vendor == v && last.RetryCount < retryBeforeSwitch
}

// Stay records one more attempt against the last entry's vendor, appending
// the fresh reference generated for it.
func (r RetryRecord) Stay(reference string) {
	last := r.Last()
	if last == nil {
		return
	}
	last.RetryCount++
	last.Attempt++
	last.References = append(last.References, reference)
}

// Switch pushes a new entry for the vendor taking over. The reference issued
// for the new vendor is carried in so the entry never starts empty.
func (r *RetryRecord) Switch(v Vendor, reference string) {
	*r = append(*r, RetryEntry{
		Vendor:     v,
		RetryCount: 1,
		Attempt:    1,
		References: []string{reference},
	})
}
