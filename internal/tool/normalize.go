package tool

import "github.com/agor-dev/agor/internal/store"

// DeltaUsage implements the cumulative-usage normalization rule shared by
// any tool whose SDK reports running totals instead of per-call counts
// (codex today; kept here rather than duplicated in the codex adapter so a
// future cumulative-reporting tool can reuse it verbatim): the stored delta
// is current-minus-previous when current is at least as large as previous,
// and current verbatim when it's smaller (the CLI process restarted and
// its counters reset).
func DeltaUsage(current, previous *store.TokenUsage) store.TokenUsage {
	if previous == nil {
		return *current
	}
	if current.Input < previous.Input || current.Output < previous.Output {
		return *current
	}
	return store.TokenUsage{
		Input:         current.Input - previous.Input,
		Output:        current.Output - previous.Output,
		CacheRead:     subClamp(current.CacheRead, previous.CacheRead),
		CacheCreation: subClamp(current.CacheCreation, previous.CacheCreation),
		Total:         (current.Input - previous.Input) + (current.Output - previous.Output),
	}
}

func subClamp(a, b int64) int64 {
	if a < b {
		return a
	}
	return a - b
}
