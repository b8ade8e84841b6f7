package users

import "time"

// Identity maps a login (provider + subject) to the actor id recorded in the change audit.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	ActorID     string    `gorm:"column:actor_id;size:190;not null;index"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing identities.
func (Identity) TableName() string {
	return "actor_identities"
}

// Actor is the resolved author of a request.
type Actor struct {
	ID          string
	Email       string
	DisplayName string
}
