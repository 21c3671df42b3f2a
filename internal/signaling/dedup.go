package signaling

type streamKey struct {
	sessionID string
	from      string
}

// Deduplicator tracks the highest applied seq per (session, sender) stream.
// It is not safe for concurrent use; callers serialize access.
type Deduplicator struct {
	last map[streamKey]uint64
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{last: make(map[streamKey]uint64)}
}

// Seen reports whether seq is at or below the highest seq already applied
// for the stream.
func (d *Deduplicator) Seen(sessionID, from string, seq uint64) bool {
	return seq <= d.last[streamKey{sessionID, from}]
}

func (d *Deduplicator) Mark(sessionID, from string, seq uint64) {
	k := streamKey{sessionID, from}
	if seq > d.last[k] {
		d.last[k] = seq
	}
}

// Accept marks seq as applied and returns true, or returns false if it was
// already seen.
func (d *Deduplicator) Accept(sessionID, from string, seq uint64) bool {
	if d.Seen(sessionID, from, seq) {
		return false
	}
	d.Mark(sessionID, from, seq)
	return true
}

// Last returns the highest seq applied for the stream, or 0.
func (d *Deduplicator) Last(sessionID, from string) uint64 {
	return d.last[streamKey{sessionID, from}]
}

// Len returns the number of streams tracked.
func (d *Deduplicator) Len() int {
	return len(d.last)
}

// Forget drops every stream of sessionID.
func (d *Deduplicator) Forget(sessionID string) {
	for k := range d.last {
		if k.sessionID == sessionID {
			delete(d.last, k)
		}
	}
}
