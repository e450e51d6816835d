package model

import "time"

// Circle is a bounded group of users matched for collective purchasing.
type Circle struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	LocationRadius float64   `json:"location_radius_km"`
	CreatedAt      time.Time `json:"created_at"`
}

// CircleWithMembers is a circle together with its active members.
type CircleWithMembers struct {
	Circle
	Members []User `json:"members"`
}

// MemberCount returns the number of active members.
func (c CircleWithMembers) MemberCount() int {
	return len(c.Members)
}

// HasMember reports whether userID is an active member.
func (c CircleWithMembers) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// CircleMembership links a user to a circle.
type CircleMembership struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	CircleID string    `json:"circle_id"`
	JoinedAt time.Time `json:"joined_at"`
	IsActive bool      `json:"is_active"`
}

// MembershipRef is the (user, circle) pair of an active membership.
type MembershipRef struct {
	UserID   string `json:"user_id"`
	CircleID string `json:"circle_id"`
}
