package session

import "time"

// View is the session part of a board response.
type View struct {
	SessionID       string    `json:"session_id"`
	StopID          string    `json:"stop_id"`
	Status          Status    `json:"status"`
	Acknowledged    []string  `json:"acknowledged"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

func (m *Manager) View(s Session) View {
	return View{
		SessionID:       s.ID,
		StopID:          s.StopID,
		Status:          s.Status,
		Acknowledged:    s.Acknowledged,
		StartedAt:       s.StartedAt,
		LastActivityAt:  s.LastActivityAt,
		InactivityTTLMS: m.inactivityTimeout.Milliseconds(),
	}
}
