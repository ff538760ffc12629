package core

// RoomID names a session room. Rooms are created on the first join to an
// unknown id and are deleted the moment the last participant leaves.
type RoomID string

func (id RoomID) String() string {
	return string(id)
}

// PeerID identifies a single signaling connection and the participant it
// controls. The id is minted by the websocket edge when the socket is
// accepted and lives exactly as long as the connection.
type PeerID string

func (id PeerID) String() string {
	return string(id)
}
