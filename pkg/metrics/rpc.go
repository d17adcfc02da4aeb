package metrics

import "time"

// RPCMetrics provides observability for the JSON-RPC service: request
// volume and latency per method, the depth of the execution lanes, pending
// blob uploads, and download traffic.
//
// This interface is optional - pass nil to disable metrics collection with
// zero overhead.
type RPCMetrics interface {
	// RecordRequest records a completed RPC with its method name, duration,
	// and outcome. errorCode is empty on success.
	RecordRequest(method string, duration time.Duration, errorCode string)

	// RecordRequestStart increments the in-flight request counter.
	RecordRequestStart(method string)

	// RecordRequestEnd decrements the in-flight request counter.
	RecordRequestEnd(method string)

	// SetLaneDepth updates the queue depth gauge for an execution lane
	// ("general", "serial", "blob").
	SetLaneDepth(lane string, depth int)

	// SetPendingUploads updates the count of blob uploads awaiting
	// completion.
	SetPendingUploads(count int)

	// RecordDownload records a served download with its byte count and
	// source ("file" or "shock").
	RecordDownload(source string, bytes int64)
}
