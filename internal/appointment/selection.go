package appointment

// ChooseAutoBook picks the booking target for an auto-book monitor: the last
// filtered slot's last sub-time, i.e. the furthest date and the latest time
// within it. Probed slots arrive in portal order (ascending date, ascending
// hour), so "last" is deterministic.
func ChooseAutoBook(filtered []Slot) (BookTarget, bool) {
	for i := len(filtered) - 1; i >= 0; i-- {
		s := filtered[i]
		if len(s.Subtimes) == 0 {
			continue
		}
		return BookTarget{
			Date:    s.Date,
			Hour:    s.Hour,
			Subtime: s.Subtimes[len(s.Subtimes)-1],
		}, true
	}
	return BookTarget{}, false
}
