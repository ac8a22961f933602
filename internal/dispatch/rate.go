package dispatch

const (
	defaultMessagesPerSecond = 15
	minMessagesPerSecond     = 1
	maxMessagesPerSecond     = 25
)

// ResolveMessagesPerSecond converts a campaign's per-minute rate limit into
// a per-second send rate, clamped to [1, 25]. Zero or negative means the
// campaign has no limit configured and gets the default.
func ResolveMessagesPerSecond(perMinute int) int {
	if perMinute <= 0 {
		return defaultMessagesPerSecond
	}
	mps := perMinute / 60
	if mps < minMessagesPerSecond {
		return minMessagesPerSecond
	}
	if mps > maxMessagesPerSecond {
		return maxMessagesPerSecond
	}
	return mps
}
