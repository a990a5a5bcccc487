package session

import "github.com/sfucore/sfu/internal/mediarouter"

// Stats is the per-session slice of numbers a Channel aggregates into its
// GetStats/GetSessionsStats response (spec.md §4.4).
type Stats struct {
	ID              string
	AudioBitrate    int
	CameraBitrate   int
	ScreenBitrate   int
	CameraOn        bool
	ScreenSharingOn bool
}

// Stats snapshots this session's current producer bitrates and on/off
// flags. A producer whose GetStats fails contributes zero bitrate rather
// than erroring the aggregate; paused producers report whatever their
// GetStats returns.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	producers := make(map[StreamType]int)
	for t, p := range s.producers {
		if st, err := p.GetStats(); err == nil {
			producers[t] = st.BitrateBps
		}
	}
	info := s.info
	s.mu.Unlock()

	st := Stats{ID: s.ID()}
	st.AudioBitrate = producers[mediarouter.StreamAudio]
	st.CameraBitrate = producers[mediarouter.StreamCamera]
	st.ScreenBitrate = producers[mediarouter.StreamScreen]
	if info.IsCameraOn != nil {
		st.CameraOn = *info.IsCameraOn
	}
	if info.IsScreenSharingOn != nil {
		st.ScreenSharingOn = *info.IsScreenSharingOn
	}
	return st
}
