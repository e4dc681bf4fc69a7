// Package channel defines the platform adapter contract shared by all
// messaging integrations, plus the registry the dispatch router sends
// replies through.
package channel

import (
	"strings"
	"time"
)

// Platform identifies a messaging platform (e.g., "qq", "telegram").
type Platform string

// String returns the platform as a plain string.
func (p Platform) String() string {
	return string(p)
}

const (
	PlatformQQ       Platform = "qq"
	PlatformTelegram Platform = "telegram"
)

// MessageType distinguishes private from group conversations.
type MessageType string

const (
	MessagePrivate MessageType = "private"
	MessageGroup   MessageType = "group"
)

// Message is a normalized inbound chat message.
type Message struct {
	ID       string
	Platform Platform
	Type     MessageType
	UserID   string
	UserName string
	// GroupID is set only for group conversations; its presence changes the
	// conversation identity, so private and group traffic never collide.
	GroupID    string
	Content    string
	ReceivedAt time.Time
}

// TargetID returns the delivery target for a reply to this message:
// the group for group conversations, otherwise the sender.
func (m Message) TargetID() string {
	if m.IsGroup() {
		return m.GroupID
	}
	return m.UserID
}

// IsGroup reports whether the message belongs to a group conversation.
func (m Message) IsGroup() bool {
	return strings.TrimSpace(m.GroupID) != ""
}

// Reply is the outbound payload delivered back through the originating adapter.
type Reply struct {
	Content string
	// ReplyTo optionally references the message being answered, for platforms
	// that render quoted replies.
	ReplyTo string
	// AtUser mentions this user in group conversations when supported.
	AtUser string
}
