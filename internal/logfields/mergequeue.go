package logfields

import "go.uber.org/zap"

func QueueStatus(val string) zap.Field {
	return zap.String("merge_queue.status", val)
}

func FailureReason(val string) zap.Field {
	return zap.String("merge_queue.failure_reason", val)
}

func MergeState(val string) zap.Field {
	return zap.String("github.merge_state", val)
}

func ServiceID(val string) zap.Field {
	return zap.String("merge_queue.service_id", val)
}
