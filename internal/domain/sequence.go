package domain

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// seqCounter is process-wide so that two invoices created in the same second
// still receive distinct tags.
var seqCounter atomic.Uint64

// NewSequenceTag generates a correlation token to embed in an invoice memo.
// The combination of a monotonic counter and a unix timestamp makes the tag
// unique per invoice for the lifetime of the process, which is what makes
// memo matching authoritative regardless of amount or timing.
func NewSequenceTag() string {
	n := seqCounter.Add(1)
	return fmt.Sprintf("SEQ%06dT%d", n%1000000, time.Now().Unix())
}

// MemoContainsTag reports whether a transaction memo carries the given
// sequence tag. An empty tag never matches.
func MemoContainsTag(memo, tag string) bool {
	if tag == "" || memo == "" {
		return false
	}
	return strings.Contains(memo, tag)
}
