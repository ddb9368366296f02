package entity

import "time"

// Роли пользователя. Хранятся на каждой привязке, но считаются глобальными для User.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// Account binds a user to one external identity (provider + subject).
// A (provider, subject_id) pair may back at most one user, and a user has at most
// one account per provider.
type Account struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_accounts_user_provider,priority:1" json:"user_id"`
	Provider  string    `gorm:"size:20;not null;uniqueIndex:idx_accounts_provider_subject,priority:1;uniqueIndex:idx_accounts_user_provider,priority:2" json:"provider"`
	SubjectID string    `gorm:"size:255;not null;uniqueIndex:idx_accounts_provider_subject,priority:2" json:"-"`
	Email     string    `gorm:"size:100;not null;default:''" json:"email,omitempty"`
	Role      string    `gorm:"size:20;not null;default:'user'" json:"-"`
	Banned    bool      `gorm:"not null;default:false" json:"-"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

func (Account) TableName() string {
	return "accounts"
}

// IsValidRole сообщает, известна ли роль системе
func IsValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// IsAdminRole возвращает true для admin и super_admin
func IsAdminRole(role string) bool {
	return role == RoleAdmin || role == RoleSuperAdmin
}

var roleRank = map[string]int{RoleUser: 0, RoleAdmin: 1, RoleSuperAdmin: 2}

// HighestRole возвращает старшую роль среди привязок (RoleUser для пустого списка)
func HighestRole(accounts []Account) string {
	role := RoleUser
	for _, a := range accounts {
		if roleRank[a.Role] > roleRank[role] {
			role = a.Role
		}
	}
	return role
}

// AnyBanned returns true if any binding of the user carries the ban flag.
func AnyBanned(accounts []Account) bool {
	for _, a := range accounts {
		if a.Banned {
			return true
		}
	}
	return false
}
