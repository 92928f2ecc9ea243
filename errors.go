package memtrace

import "fmt"

// SetupError reports a failure to start tracking: hooks could not be
// installed, the sink could not be opened, or the capture file already
// exists and overwrite wasn't requested. Tracking never starts when this
// error is returned.
type SetupError struct {
	Reason string
	Cause  error
}

func (e *SetupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("memtrace: setup error: %s: %s", e.Reason, e.Cause)
	}
	return fmt.Sprintf("memtrace: setup error: %s", e.Reason)
}

func (e *SetupError) Unwrap() error { return e.Cause }

// CorruptCaptureError reports a structural violation found while reading
// a capture: an unknown tag, a truncated record, a reference to an
// unknown frame/native-frame id, or a frame pop underflowing a thread's
// stack. Offset names the byte position of the offending record within
// the (decompressed) record stream.
type CorruptCaptureError struct {
	Offset int64
	Tag    RecordTag
	Reason string
	Cause  error
}

func (e *CorruptCaptureError) Error() string {
	msg := fmt.Sprintf("memtrace: corrupt capture at offset %d (tag=%s): %s", e.Offset, e.Tag, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CorruptCaptureError) Unwrap() error { return e.Cause }

// PartialCaptureError is surfaced as a warning, not a hard failure: the
// trailer is missing, but every record that fully parsed before
// truncation is still returned to the caller.
type PartialCaptureError struct {
	RecordsRead int
}

func (e *PartialCaptureError) Error() string {
	return fmt.Sprintf("memtrace: partial capture: missing trailer after %d records", e.RecordsRead)
}

// HookResourceError describes an allocator failure inside the recorder
// itself. No code in this package returns it: Recorder has no path that
// disables hooks or stops tracking when an allocation fails.
type HookResourceError struct {
	Cause error
}

func (e *HookResourceError) Error() string {
	return fmt.Sprintf("memtrace: resource exhaustion inside hook layer, tracking disabled: %s", e.Cause)
}

func (e *HookResourceError) Unwrap() error { return e.Cause }

// AnomalyReason names a dropped-event condition the aggregators count
// rather than fail on.
type AnomalyReason string

const (
	AnomalyUnknownFreeAddress  AnomalyReason = "unknown-address-free"
	AnomalyUnknownMunmapRange AnomalyReason = "unknown-munmap-range"
)

// Anomalies counts dropped aggregator events by reason. It is additive
// instrumentation; neither aggregator's output changes shape based on
// it.
type Anomalies struct {
	counts map[AnomalyReason]int
}

func (a *Anomalies) record(reason AnomalyReason) {
	if a.counts == nil {
		a.counts = make(map[AnomalyReason]int)
	}
	a.counts[reason]++
}

// Count returns how many times reason has been recorded.
func (a *Anomalies) Count(reason AnomalyReason) int {
	return a.counts[reason]
}
