package approvals

// DNDWindow is a do-not-disturb range of hours [Start, End). When Start is
// greater than End the window wraps past midnight: 22..7 covers 22:00 to
// 06:59. Start == End is an empty window.
type DNDWindow struct {
	Start int
	End   int
}

func (w DNDWindow) Contains(hour int) bool {
	return InWindow(hour, w.Start, w.End)
}

func InWindow(hour, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}
