package domain

import "errors"

const MaxRoomNameLen = 64

var ErrRoomNameInvalid = errors.New("room name invalid")

type RoomName string

type Room struct {
	Name RoomName
	// Owner is the client token of the first participant to join.
	Owner string
}

func ParseRoomName(raw string) (RoomName, error) {
	if raw == "" || len(raw) > MaxRoomNameLen {
		return "", ErrRoomNameInvalid
	}
	return RoomName(raw), nil
}
