// Package chatplatform defines the supervisor's boundary with whatever chat
// service it is bridging (Discord today; spec.md treats the platform only as
// an external collaborator behind this interface).
package chatplatform

import "context"

// Platform is the outbound surface the Dispatch Core and Mailbox drive a chat
// platform adapter through.
type Platform interface {
	// SendMessage posts text into chatID/topicID. replyTo is a message id to
	// reply to, or 0 for no reply.
	SendMessage(ctx context.Context, chatID, topicID int64, text string, replyTo int64) error

	// SendReaction reacts to messageID within chatID with emoji.
	SendReaction(ctx context.Context, chatID, messageID int64, emoji string) error
}
