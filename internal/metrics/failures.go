package metrics

import "sort"

// FailureBucket is the aggregated count for one failure reason.
type FailureBucket struct {
	Reason string
	Count  int
}

// FlattenFailureReasons converts a reason->count map into rows sorted by
// descending count, then by reason for stability.
func FlattenFailureReasons(reasons map[string]int) []FailureBucket {
	if len(reasons) == 0 {
		return nil
	}
	rows := make([]FailureBucket, 0, len(reasons))
	for reason, count := range reasons {
		rows = append(rows, FailureBucket{Reason: reason, Count: count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count == rows[j].Count {
			return rows[i].Reason < rows[j].Reason
		}
		return rows[i].Count > rows[j].Count
	})
	return rows
}
