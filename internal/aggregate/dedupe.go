package aggregate

import "github.com/mailmux/mailmux/internal/mail"

// Deduplicator tracks message ids seen within one request. It is owned
// by a single request task and is not safe for concurrent use.
type Deduplicator struct {
	seen map[string]struct{}
}

// NewDeduplicator returns an empty deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Filter returns the records whose id has not been seen yet, marking
// them seen. Order is preserved; the first occurrence of an id wins.
func (d *Deduplicator) Filter(records []mail.Message) []mail.Message {
	var fresh []mail.Message
	for _, r := range records {
		if _, ok := d.seen[r.ID]; ok {
			continue
		}
		d.seen[r.ID] = struct{}{}
		fresh = append(fresh, r)
	}
	return fresh
}

// Seen reports how many distinct ids have been observed.
func (d *Deduplicator) Seen() int {
	return len(d.seen)
}
