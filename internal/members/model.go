package members

import "time"

// MaxMembers is the size of a complete couple.
const MaxMembers = 2

// Couple is the shared scope of two partners.
type Couple struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	CreatedBy string    `gorm:"column:created_by;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Couple) TableName() string {
	return "couples"
}

// Membership binds a user to exactly one couple.
type Membership struct {
	CoupleID string    `gorm:"column:couple_id;primaryKey;size:190;not null"`
	UserID   string    `gorm:"column:user_id;primaryKey;size:190;not null;uniqueIndex:idx_couple_members_user"`
	JoinedAt time.Time `gorm:"column:joined_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "couple_members"
}

// Status describes the couple a user belongs to.
type Status struct {
	CoupleID string   `json:"couple_id"`
	Members  []string `json:"members"`
	Complete bool     `json:"complete"`
}

// Partner returns the other member of the couple, or an empty string while the couple is incomplete.
func (s Status) Partner(userID string) string {
	for _, member := range s.Members {
		if member != userID {
			return member
		}
	}
	return ""
}
