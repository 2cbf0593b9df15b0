package hotstore

import "fmt"

// Keyspace exactly as documented in spec §6.

func traceKey(owner, bar, traceUID string) string {
	return fmt.Sprintf("trace:%s:%s:%s", owner, bar, traceUID)
}

func stepKey(owner, bar, traceUID string, position int) string {
	return fmt.Sprintf("trace:%s:%s:%s:step:%d", owner, bar, traceUID, position)
}

func channelKey(owner, bar, traceUID string) string {
	return fmt.Sprintf("ps:trace:%s:%s:%s", owner, bar, traceUID)
}

func channelPattern(owner, bar string) string {
	return fmt.Sprintf("ps:trace:%s:%s:*", owner, bar)
}

func tcountKey(owner, bar string, version int) string {
	return fmt.Sprintf("tcount:%s:%s:%d", owner, bar, version)
}

func monthlyCounterKey(year, month int) string {
	return fmt.Sprintf("tcount:%d:%d", year, month)
}

func activeSetKey(owner, bar string, version int) string {
	return fmt.Sprintf("active:%s:%s:%d", owner, bar, version)
}

// StatsWholeKey and StatsStepKey are exported so code outside this package
// can address predictor cells in the hot store. The predictor engine keeps
// its cells in process memory and does not use these keys.
func StatsWholeKey(owner, bar string, version int, techniqueKey string) string {
	return fmt.Sprintf("stats:%s:%s:%d:%s", owner, bar, version, techniqueKey)
}

func StatsStepKey(owner, bar string, version, position int, techniqueKey string) string {
	return fmt.Sprintf("stats:%s:%s:%d:%d:%s", owner, bar, version, position, techniqueKey)
}
