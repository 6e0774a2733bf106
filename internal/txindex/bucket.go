package txindex

import "sync"

// bucket is one shard of the TransactionIndex. Each bucket owns its own
// lock and four singly-linked lists of TransactionStatus, exactly as
// described in spec §4.2. Hashing a transaction to its bucket is
// ts mod B, so callers touching different transactions rarely contend.
type bucket struct {
	mu sync.Mutex

	longRunning *TransactionStatus
	current     *TransactionStatus
	aborted     *TransactionStatus
	free        *TransactionStatus
}

// listHead returns a pointer to the head pointer for kind, so callers can
// both read and relink it under the bucket lock.
func (b *bucket) listHead(kind listKind) **TransactionStatus {
	switch kind {
	case listLongRunning:
		return &b.longRunning
	case listCurrent:
		return &b.current
	case listAborted:
		return &b.aborted
	default:
		return &b.free
	}
}

// prepend pushes s onto the head of the list identified by kind. Caller
// must hold b.mu.
func (b *bucket) prepend(kind listKind, s *TransactionStatus) {
	head := b.listHead(kind)
	s.next = *head
	s.kind = kind
	*head = s
}

// unlink removes s from the list identified by its current kind. Caller
// must hold b.mu. Returns false if s was not found (programmer error).
func (b *bucket) unlink(s *TransactionStatus) bool {
	head := b.listHead(s.kind)
	if *head == s {
		*head = s.next
		s.next = nil
		return true
	}
	for p := *head; p != nil; p = p.next {
		if p.next == s {
			p.next = s.next
			s.next = nil
			return true
		}
	}
	return false
}

// find searches the long-running, current and aborted lists for a status
// with the given start timestamp. Free entries are never matched — once
// Reduce has relinked a status onto free it is no longer a lookup target.
func (b *bucket) find(ts int64) *TransactionStatus {
	for p := b.longRunning; p != nil; p = p.next {
		if p.ts == ts {
			return p
		}
	}
	for p := b.current; p != nil; p = p.next {
		if p.ts == ts {
			return p
		}
	}
	for p := b.aborted; p != nil; p = p.next {
		if p.ts == ts {
			return p
		}
	}
	return nil
}

// popFree pops one status off the free list for reuse, or returns nil.
func (b *bucket) popFree() *TransactionStatus {
	s := b.free
	if s == nil {
		return nil
	}
	b.free = s.next
	s.next = nil
	return s
}
