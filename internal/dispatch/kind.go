package dispatch

import "sort"

type Kind string

const (
	KindPing           Kind = "ping"
	KindGetLocation    Kind = "get_location"
	KindSyncMessages   Kind = "sync_messages"
	KindSyncCalls      Kind = "sync_calls"
	KindRestartService Kind = "restart_service"
)

var kinds = map[Kind]struct{}{
	KindPing:           {},
	KindGetLocation:    {},
	KindSyncMessages:   {},
	KindSyncCalls:      {},
	KindRestartService: {},
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Kinds lists the supported command kinds in name order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
