package ports

import "watchparty/internal/core/domain"

// MetricsRecorder receives the server's operational counters.
type MetricsRecorder interface {
	RecordPeerConnected()
	RecordPeerDisconnected()
	RecordSignalRelayed(messageType string)
	RecordSignalFailed(messageType, reason string)
	RecordCommentAppended(roomID domain.RoomID)
	SetCommentSubscribers(count int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordPeerConnected()                {}
func (NopMetrics) RecordPeerDisconnected()             {}
func (NopMetrics) RecordSignalRelayed(string)          {}
func (NopMetrics) RecordSignalFailed(string, string)   {}
func (NopMetrics) RecordCommentAppended(domain.RoomID) {}
func (NopMetrics) SetCommentSubscribers(int)           {}
