package client

import (
	"github.com/memalerts/backend/internal/models"
	"github.com/memalerts/backend/internal/protocol"
)

// Listener receives events from a Messenger.
type Listener interface {
	ConnectionStateChanged(state State)
	AlertReceived(alert models.AlertRequest)
	IncomingFriendRequest(request models.FriendInfo)
	FriendshipChanged(change protocol.FriendshipChangedNotification)
	// MessageReceived sees every decoded message, responses included.
	MessageReceived(msg protocol.Message)
}

// NopListener ignores every event. Embed it to implement only some methods.
type NopListener struct{}

func (NopListener) ConnectionStateChanged(State)                             {}
func (NopListener) AlertReceived(models.AlertRequest)                        {}
func (NopListener) IncomingFriendRequest(models.FriendInfo)                  {}
func (NopListener) FriendshipChanged(protocol.FriendshipChangedNotification) {}
func (NopListener) MessageReceived(protocol.Message)                         {}

var _ Listener = NopListener{}
