package enet

// Service time is a wrapping millisecond counter. Two timestamps more than
// timeOverflow apart are treated as having wrapped.
const timeOverflow = 86400000

func timeLess(a, b uint32) bool {
	return a-b >= timeOverflow
}

func timeGreaterEqual(a, b uint32) bool {
	return !timeLess(a, b)
}

func timeDifference(a, b uint32) uint32 {
	if a-b >= timeOverflow {
		return b - a
	}
	return a - b
}
