// Package cloud turns humidity samples into envelopes and hands them to a
// publisher.Sink. The Adapter is the sink's listener: it tracks the
// connected/disconnected state reported by the sink and records delivery
// confirmations. Publishing is best effort; with no sink bound a sample is
// dropped with a notice.
package cloud
