package models

import "time"

// User represents an account within MemAlerts.
type User struct {
	ID           string
	Login        string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// FriendshipStatus is the lifecycle state of a friendship record.
type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipRejected FriendshipStatus = "rejected"
)

// Friendship is the relationship record between an unordered pair of users.
type Friendship struct {
	ID          string
	UserA       string
	UserB       string
	RequesterID string
	Status      FriendshipStatus
	CreatedAt   time.Time
	AcceptedAt  *time.Time
}

// Involves reports whether userID is either side of the pair.
func (f Friendship) Involves(userID string) bool {
	return userID != "" && (f.UserA == userID || f.UserB == userID)
}

// Other returns the opposite side of the pair from userID.
func (f Friendship) Other(userID string) string {
	if f.UserA == userID {
		return f.UserB
	}
	return f.UserA
}

// PairKey returns an order-independent key for the pair of users.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// FriendInfo is the per-user projection of a friendship shown in snapshots.
type FriendInfo struct {
	FriendshipID      string           `json:"friendshipId"`
	UserID            string           `json:"userId"`
	Login             string           `json:"login"`
	Email             string           `json:"email"`
	Status            FriendshipStatus `json:"status"`
	IsIncomingRequest bool             `json:"isIncomingRequest"`
}

// UserSearchResult annotates a matching user with the caller's relationship to them.
type UserSearchResult struct {
	UserID            string `json:"userId"`
	Login             string `json:"login"`
	Email             string `json:"email"`
	IsAlreadyFriend   bool   `json:"isAlreadyFriend"`
	HasPendingRequest bool   `json:"hasPendingRequest"`
}

// RequestStatus tracks an alert through the recipient's playback queue.
type RequestStatus string

const (
	RequestQueued     RequestStatus = "queued"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
)

// AlertVideo references a clip owned by the media subsystem. The fields are
// carried through unchanged.
type AlertVideo struct {
	ID                  string  `json:"id"`
	Title               string  `json:"title"`
	Description         string  `json:"description,omitempty"`
	Category            string  `json:"category,omitempty"`
	DurationSeconds     float64 `json:"durationSeconds,omitempty"`
	Price               float64 `json:"price,omitempty"`
	Source              string  `json:"source,omitempty"`
	Thumbnail           string  `json:"thumbnail,omitempty"`
	IsCommunityFavorite bool    `json:"isCommunityFavorite,omitempty"`
	IsCustom            bool    `json:"isCustom,omitempty"`
}

// AlertRequest is a user-submitted alert destined for one friend or for every
// other connected peer when RecipientUserID is empty.
type AlertRequest struct {
	ID              string        `json:"id"`
	Video           AlertVideo    `json:"video"`
	ViewerName      string        `json:"viewerName"`
	Message         string        `json:"message"`
	TipAmount       float64       `json:"tipAmount"`
	SubmittedAt     time.Time     `json:"submittedAt"`
	Status          RequestStatus `json:"status"`
	RecipientUserID string        `json:"recipientUserId,omitempty"`
}

// IsBroadcast reports whether the alert has no named recipient.
func (a AlertRequest) IsBroadcast() bool {
	return a.RecipientUserID == ""
}
