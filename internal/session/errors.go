package session

import (
	"errors"

	"github.com/lanlink/lanlink/internal/protocol"
)

var (
	// ErrNotConnected is returned by Client.Send without an established session
	ErrNotConnected = errors.New("not connected to a server")
	// ErrEmptyMessage is returned when sending an empty message
	ErrEmptyMessage = errors.New("message is empty")
	// ErrReservedMessage is returned when sending a heartbeat marker as application data
	ErrReservedMessage = errors.New("message is a reserved heartbeat marker")
	// ErrUnknownPeer is returned by Server.SendTo for a session that is not admitted
	ErrUnknownPeer = errors.New("unknown peer session")
)

// validateMessage rejects payloads that would not reach the remote handler unchanged
func validateMessage(message string) error {
	if message == "" {
		return ErrEmptyMessage
	}
	if protocol.IsHeartbeat(message) {
		return ErrReservedMessage
	}
	return nil
}
