package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrUserNotFound = errors.New("user not found")

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleDoctor   Role = "doctor"
	RolePatient  Role = "patient"
	RolePharmacy Role = "pharmacy"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RolePatient, RolePharmacy:
		return true
	}
	return false
}

type User struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time  `gorm:"autoCreateTime"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime"`
	DeletedAt *time.Time `gorm:"index"`

	Email        string `gorm:"column:email;type:varchar(255);uniqueIndex;not null"`
	PasswordHash string `gorm:"column:password_hash;type:varchar(255);not null"`
	FullName     string `gorm:"column:full_name;type:varchar(200);not null"`
	Role         Role   `gorm:"column:role;type:varchar(30);not null;index"`

	// Doctors carry their signing public key so any party can verify
	// prescription signatures without contacting the doctor.
	PublicKeyPEM string `gorm:"column:public_key_pem;type:text"`

	IsActive         bool       `gorm:"column:is_active;default:true;index"`
	FailedLoginCount int        `gorm:"column:failed_login_count;default:0"`
	LockedUntil      *time.Time `gorm:"column:locked_until"`
	LastLoginAt      *time.Time `gorm:"column:last_login_at"`
}

func (User) TableName() string {
	return "auth.users"
}

// IsLocked returns true if the account is temporarily locked due to failed logins.
func (u *User) IsLocked() bool {
	return u.LockedUntil != nil && time.Now().Before(*u.LockedUntil)
}

// AuditEvent records who did what to which entity. Rows are append-only and
// written best-effort: a failed insert must never block the operation it
// describes.
type AuditEvent struct {
	ID uint      `gorm:"primaryKey;autoIncrement"`
	TS time.Time `gorm:"column:ts;autoCreateTime;index"`

	ActorID *uuid.UUID `gorm:"column:actor_id;type:uuid;index"`

	Action     string `gorm:"column:action;type:varchar(40);not null;index"`
	EntityType string `gorm:"column:entity_type;type:varchar(50);not null;index"`
	EntityID   string `gorm:"column:entity_id;type:varchar(64);index"`

	IPAddress string `gorm:"column:ip_address;type:varchar(45)"`
	Meta      string `gorm:"column:meta;type:jsonb"`
}

func (AuditEvent) TableName() string {
	return "audit.events"
}

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"` // Always "Bearer"
}

type Claims struct {
	UserID   uuid.UUID `json:"sub"`
	Email    string    `json:"email"`
	Role     Role      `json:"role"`
	FullName string    `json:"full_name"`
}
