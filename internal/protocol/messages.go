package protocol

import (
	"encoding/json"

	"github.com/memalerts/backend/internal/models"
)

// Type is the discriminator carried in the "type" field of every payload.
type Type string

const (
	TypeLogin                 Type = "login"
	TypeLoginWithToken        Type = "login_with_token"
	TypeRegister              Type = "register"
	TypeAuthResponse          Type = "auth_response"
	TypeAlertRequest          Type = "alert_request"
	TypeSearchUsers           Type = "search_users"
	TypeSearchUsersResponse   Type = "search_users_response"
	TypeSendFriendRequest     Type = "send_friend_request"
	TypeFriendRequestResponse Type = "friend_request_response"
	TypeGetFriends            Type = "get_friends"
	TypeGetFriendsResponse    Type = "get_friends_response"
	TypeAcceptFriendRequest   Type = "accept_friend_request"
	TypeRejectFriendRequest   Type = "reject_friend_request"
	TypeRemoveFriendRequest   Type = "remove_friend_request"
	TypeIncomingFriendRequest Type = "incoming_friend_request"
	TypeFriendshipChanged     Type = "friendship_changed"
)

// Message is implemented by every variant of the envelope. The set is closed:
// only types in this package satisfy it.
type Message interface {
	Type() Type
	isMessage()
}

// LoginRequest authenticates with a login or email and a password.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// LoginWithTokenRequest re-authenticates a fresh connection with a previously issued token.
type LoginWithTokenRequest struct {
	Token string `json:"token"`
}

// RegisterRequest creates an account and authenticates the connection.
type RegisterRequest struct {
	Login    string `json:"login"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse answers login, login_with_token and register.
type AuthResponse struct {
	Success      bool   `json:"success"`
	Token        string `json:"token,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	UserID       string `json:"userId,omitempty"`
	UserLogin    string `json:"userLogin,omitempty"`
	UserEmail    string `json:"userEmail,omitempty"`
}

// AlertRequestMessage carries an alert from a sender to the server and from the
// server to each recipient.
type AlertRequestMessage struct {
	Request models.AlertRequest `json:"request"`
}

// SearchUsersRequest looks up users by login or email substring.
type SearchUsersRequest struct {
	Query string `json:"query"`
}

// SearchUsersResponse lists matching users annotated for the caller.
type SearchUsersResponse struct {
	Success      bool                      `json:"success"`
	ErrorCode    string                    `json:"errorCode,omitempty"`
	ErrorMessage string                    `json:"errorMessage,omitempty"`
	Users        []models.UserSearchResult `json:"users"`
}

// SendFriendRequestMessage asks the server to create a pending friendship.
type SendFriendRequestMessage struct {
	FriendUserID string `json:"friendUserId"`
}

// FriendRequestResponse answers send/accept/reject/remove.
type FriendRequestResponse struct {
	Success      bool               `json:"success"`
	ErrorCode    string             `json:"errorCode,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	Friend       *models.FriendInfo `json:"friend,omitempty"`
}

// GetFriendsRequest asks for the caller's friend snapshot.
type GetFriendsRequest struct{}

// GetFriendsResponse is the caller's friend and pending snapshot.
type GetFriendsResponse struct {
	Success         bool                `json:"success"`
	ErrorCode       string              `json:"errorCode,omitempty"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
	Friends         []models.FriendInfo `json:"friends"`
	PendingRequests []models.FriendInfo `json:"pendingRequests"`
}

// AcceptFriendRequestMessage accepts a pending friendship addressed to the caller.
type AcceptFriendRequestMessage struct {
	FriendshipID string `json:"friendshipId"`
}

// RejectFriendRequestMessage rejects a pending friendship.
type RejectFriendRequestMessage struct {
	FriendshipID string `json:"friendshipId"`
}

// RemoveFriendRequestMessage deletes a friendship record.
type RemoveFriendRequestMessage struct {
	FriendshipID string `json:"friendshipId"`
}

// IncomingFriendRequestNotification is pushed to the target of a new request.
type IncomingFriendRequestNotification struct {
	FriendRequest models.FriendInfo `json:"friendRequest"`
}

// FriendshipChangedNotification is pushed to the other side after accept,
// reject or remove.
type FriendshipChangedNotification struct {
	FriendshipID string                  `json:"friendshipId"`
	Status       models.FriendshipStatus `json:"status"`
	Removed      bool                    `json:"removed,omitempty"`
	UserID       string                  `json:"userId,omitempty"`
}

func (LoginRequest) Type() Type                      { return TypeLogin }
func (LoginWithTokenRequest) Type() Type             { return TypeLoginWithToken }
func (RegisterRequest) Type() Type                   { return TypeRegister }
func (AuthResponse) Type() Type                      { return TypeAuthResponse }
func (AlertRequestMessage) Type() Type               { return TypeAlertRequest }
func (SearchUsersRequest) Type() Type                { return TypeSearchUsers }
func (SearchUsersResponse) Type() Type               { return TypeSearchUsersResponse }
func (SendFriendRequestMessage) Type() Type          { return TypeSendFriendRequest }
func (FriendRequestResponse) Type() Type             { return TypeFriendRequestResponse }
func (GetFriendsRequest) Type() Type                 { return TypeGetFriends }
func (GetFriendsResponse) Type() Type                { return TypeGetFriendsResponse }
func (AcceptFriendRequestMessage) Type() Type        { return TypeAcceptFriendRequest }
func (RejectFriendRequestMessage) Type() Type        { return TypeRejectFriendRequest }
func (RemoveFriendRequestMessage) Type() Type        { return TypeRemoveFriendRequest }
func (IncomingFriendRequestNotification) Type() Type { return TypeIncomingFriendRequest }
func (FriendshipChangedNotification) Type() Type     { return TypeFriendshipChanged }

func (LoginRequest) isMessage()                      {}
func (LoginWithTokenRequest) isMessage()             {}
func (RegisterRequest) isMessage()                   {}
func (AuthResponse) isMessage()                      {}
func (AlertRequestMessage) isMessage()               {}
func (SearchUsersRequest) isMessage()                {}
func (SearchUsersResponse) isMessage()               {}
func (SendFriendRequestMessage) isMessage()          {}
func (FriendRequestResponse) isMessage()             {}
func (GetFriendsRequest) isMessage()                 {}
func (GetFriendsResponse) isMessage()                {}
func (AcceptFriendRequestMessage) isMessage()        {}
func (RejectFriendRequestMessage) isMessage()        {}
func (RemoveFriendRequestMessage) isMessage()        {}
func (IncomingFriendRequestNotification) isMessage() {}
func (FriendshipChangedNotification) isMessage()     {}

var decoders = map[Type]func([]byte) (Message, error){
	TypeLogin:                 decodeAs[LoginRequest],
	TypeLoginWithToken:        decodeAs[LoginWithTokenRequest],
	TypeRegister:              decodeAs[RegisterRequest],
	TypeAuthResponse:          decodeAs[AuthResponse],
	TypeAlertRequest:          decodeAs[AlertRequestMessage],
	TypeSearchUsers:           decodeAs[SearchUsersRequest],
	TypeSearchUsersResponse:   decodeAs[SearchUsersResponse],
	TypeSendFriendRequest:     decodeAs[SendFriendRequestMessage],
	TypeFriendRequestResponse: decodeAs[FriendRequestResponse],
	TypeGetFriends:            decodeAs[GetFriendsRequest],
	TypeGetFriendsResponse:    decodeAs[GetFriendsResponse],
	TypeAcceptFriendRequest:   decodeAs[AcceptFriendRequestMessage],
	TypeRejectFriendRequest:   decodeAs[RejectFriendRequestMessage],
	TypeRemoveFriendRequest:   decodeAs[RemoveFriendRequestMessage],
	TypeIncomingFriendRequest: decodeAs[IncomingFriendRequestNotification],
	TypeFriendshipChanged:     decodeAs[FriendshipChangedNotification],
}

func decodeAs[T Message](payload []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}
