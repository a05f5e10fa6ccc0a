package catalog

// Selection holds at most one object id picked from a snapshot. It is a
// value; Toggle returns the next state.
type Selection struct {
	snapshot uint64
	objectID uint16
	set      bool
}

// NewSelection returns an empty selection bound to a snapshot.
func NewSelection(snapshotID uint64) Selection {
	return Selection{snapshot: snapshotID}
}

// Toggle clears the selection when id is already selected and selects id
// otherwise.
func (s Selection) Toggle(id uint16) Selection {
	if s.set && s.objectID == id {
		return Selection{snapshot: s.snapshot}
	}
	return Selection{snapshot: s.snapshot, objectID: id, set: true}
}

func (s Selection) Current() (uint16, bool) {
	return s.objectID, s.set
}

// SnapshotID is the snapshot the selection was made against.
func (s Selection) SnapshotID() uint64 { return s.snapshot }
