// Package message builds the timestamped chat records delivered to clients.
package message

import (
	"fmt"
	"time"

	"github.com/Tyrowin/roomchat/internal/dependencies/clock"
)

// TimeLayout renders the time of day on a 12-hour clock, e.g. "3:04 pm".
const TimeLayout = "3:04 pm"

// SystemSender is the username attached to welcome, join and leave notices.
const SystemSender = "ChatCord Bot"

// Message is a single chat line as seen by clients. It is never stored.
type Message struct {
	Username string `json:"username"`
	Text     string `json:"text"`
	Time     string `json:"time"`
}

// Format builds a Message from sender and text stamped with now.
func Format(sender, text string, now time.Time) Message {
	return Message{
		Username: sender,
		Text:     text,
		Time:     now.Format(TimeLayout),
	}
}

// Formatter stamps messages with the time read from its clock.
type Formatter struct {
	clock clock.Clock
}

// NewFormatter returns a Formatter reading time from c. A nil clock falls
// back to the system clock.
func NewFormatter(c clock.Clock) *Formatter {
	if c == nil {
		c = clock.New()
	}
	return &Formatter{clock: c}
}

// Format builds a Message stamped with the formatter's current time.
func (f *Formatter) Format(sender, text string) Message {
	return Format(sender, text, f.clock.Now())
}

// Welcome is the greeting sent only to a connection that just joined a room.
func (f *Formatter) Welcome() Message {
	return f.Format(SystemSender, "Welcome to ChatCord!")
}

// Joined announces username to the rest of a room.
func (f *Formatter) Joined(username string) Message {
	return f.Format(SystemSender, fmt.Sprintf("%s has joined the chat", username))
}

// Left announces to a room that username is gone.
func (f *Formatter) Left(username string) Message {
	return f.Format(SystemSender, fmt.Sprintf("%s has left the chat", username))
}
