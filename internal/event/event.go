// Package event defines the typed events decoded from gateway frames.
//
// Every inbound frame decodes to exactly one Event. Tags this client does not
// know decode to Unknown so that protocol additions never break the receive loop.
package event

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an event variant.
type Kind string

const (
	KindReady   Kind = "Ready"
	KindPong    Kind = "Pong"
	KindUnknown Kind = "Unknown"
)

// Event is the tagged union over server message kinds.
// Implementations are immutable after Decode returns them.
type Event interface {
	Kind() Kind
}

// User is a user record carried by the Ready event.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online,omitempty"`
}

// UnmarshalJSON accepts both "id" and the service's "_id" key.
func (u *User) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       string `json:"id"`
		LegacyID string `json:"_id"`
		Username string `json:"username"`
		Online   bool   `json:"online"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.ID = raw.ID
	if u.ID == "" {
		u.ID = raw.LegacyID
	}
	u.Username = raw.Username
	u.Online = raw.Online
	return nil
}

// String renders the user for log lines.
func (u User) String() string {
	return fmt.Sprintf("%s (%s)", u.Username, u.ID)
}

// Ready is sent once after authentication with the initial state snapshot.
// The first user is the bot itself.
type Ready struct {
	Users    []User            `json:"users"`
	Servers  []json.RawMessage `json:"servers,omitempty"`
	Channels []json.RawMessage `json:"channels,omitempty"`
	Members  []json.RawMessage `json:"members,omitempty"`
}

// Kind implements Event.
func (Ready) Kind() Kind { return KindReady }

// Self returns the bot's own user record.
//
// Postcondition: ok is false when the payload carried no users.
func (r Ready) Self() (User, bool) {
	if len(r.Users) == 0 {
		return User{}, false
	}
	return r.Users[0], true
}

// Pong acknowledges a heartbeat ping. Seq is the echoed ping sequence when the
// server includes one.
type Pong struct {
	Seq *int64
}

// Kind implements Event.
func (Pong) Kind() Kind { return KindPong }

// Unknown carries a frame whose type tag is absent or not recognised.
type Unknown struct {
	// Type is the raw tag, empty when the frame had none.
	Type string
	Raw  json.RawMessage
}

// Kind implements Event.
func (Unknown) Kind() Kind { return KindUnknown }

// MarshalJSON encodes the event as a gateway frame including its type tag.
func (r Ready) MarshalJSON() ([]byte, error) {
	type plain Ready
	return json.Marshal(struct {
		Type Kind `json:"type"`
		plain
	}{Type: KindReady, plain: plain(r)})
}
