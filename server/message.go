package server

import (
	"encoding/json"

	"github.com/alimasry/go-doc-sync/wire"
)

// Message types exchanged over WebSocket.
const (
	MsgJoin     = "join"     // client: open docId; server: another client joined
	MsgLeave    = "leave"    // server: a client left
	MsgDiff     = "diff"     // client: submit diff; server: diff applied by someone else
	MsgAck      = "ack"      // server: your diff was applied at version
	MsgSync     = "sync"     // client: send me every diff from version on
	MsgUpdates  = "updates"  // server: the diffs asked for by sync
	MsgResync   = "resync"   // server: history no longer covers sync, here is a snapshot
	MsgSnapshot = "snapshot" // server: full content at version, sent on join
	MsgError    = "error"
)

// ClientMessage is a message from client to server. Version is the first
// version wanted for sync.
type ClientMessage struct {
	Type    string     `json:"type"`
	DocID   string     `json:"docId,omitempty"`
	Version int64      `json:"version"`
	Diff    *wire.Diff `json:"diff,omitempty"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type     string       `json:"type"`
	DocID    string       `json:"docId,omitempty"`
	Content  string       `json:"content"`
	Version  int64        `json:"version"`
	Diff     *wire.Diff   `json:"diff,omitempty"`
	Diffs    []wire.Diff  `json:"diffs,omitempty"`
	ClientID string       `json:"clientId,omitempty"`
	Name     string       `json:"name,omitempty"`
	Color    string       `json:"color,omitempty"`
	Message  string       `json:"message,omitempty"`
	Clients  []ClientInfo `json:"clients,omitempty"`
}

// ClientInfo describes a connected user.
type ClientInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
