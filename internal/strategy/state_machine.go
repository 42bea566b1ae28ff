package strategy

// nextStatus is the only place instrument status changes are decided.
// Events that are not valid for the current status leave it unchanged.
func nextStatus(current Status, event Event) Status {
	if event == EventRemove {
		return StatusClosed
	}
	switch current {
	case StatusWaiting:
		if event == EventArm {
			return StatusTriggerWatch
		}
	case StatusTriggerWatch:
		if event == EventReserve {
			return StatusOpen
		}
		if event == EventDeny || event == EventDisarm {
			return StatusWaiting
		}
	case StatusOpen:
		if event == EventEntryFailed || event == EventClosed {
			return StatusWaiting
		}
	}
	return current
}
