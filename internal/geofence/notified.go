package geofence

// NotifiedState records, per stop, the zones a notification was already sent
// for. Entries are only ever added; the whole state is dropped with the trip.
type NotifiedState map[string][]Zone

func (n NotifiedState) ShouldNotify(stopID string, zone Zone) bool {
	for _, z := range n[stopID] {
		if z == zone {
			return false
		}
	}
	return true
}

// MarkNotified must be called right after a successful dispatch. The receiver
// must be non-nil; use NewNotifiedState.
func (n NotifiedState) MarkNotified(stopID string, zone Zone) {
	if !n.ShouldNotify(stopID, zone) {
		return
	}
	n[stopID] = append(n[stopID], zone)
}

func NewNotifiedState() NotifiedState { return NotifiedState{} }
