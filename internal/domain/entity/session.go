package entity

// Session is the per-request view of the caller. It is never persisted.
// A nil *Session means anonymous.
type Session struct {
	UserID    uint   `json:"user_id"`
	Provider  string `json:"provider"`
	HasHandle bool   `json:"has_handle"`
	Banned    bool   `json:"banned"`
	Role      string `json:"role"`
}

// IsAdmin returns true for admin and super_admin sessions.
func (s *Session) IsAdmin() bool {
	return s != nil && IsAdminRole(s.Role)
}
