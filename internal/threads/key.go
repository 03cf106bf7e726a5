// Package threads — conversation key builders and the session mapping.
//
// Keys follow the canonical colon-joined format:
//
//	Topic key:  {chatId}:{topicId}
//	Thread key: {chatId}:{topicId}:{agentId}
//
// topicId is "root" when the chat has no forum topic.
//
// Examples:
//
//	12345:root
//	12345:root:claude
//	-100987:42:gemini
package threads

import (
	"fmt"
	"strings"
)

// RootTopic is the canonical sentinel for a missing forum topic.
const RootTopic = "root"

// TopicID normalizes a Telegram message thread id into the canonical
// topic segment. 0 maps to the root sentinel.
func TopicID(topicID int) string {
	if topicID <= 0 {
		return RootTopic
	}
	return fmt.Sprintf("%d", topicID)
}

// TopicKey builds the serialization key for a conversation.
//
//	{chatId}:{topicId}
func TopicKey(chatID int64, topicID int) string {
	return fmt.Sprintf("%d:%s", chatID, TopicID(topicID))
}

// ThreadKey builds the session/memory scoping key.
//
//	{chatId}:{topicId}:{agentId}
func ThreadKey(chatID int64, topicID int, agentID string) string {
	return fmt.Sprintf("%d:%s:%s", chatID, TopicID(topicID), agentID)
}

// ParseThreadKey splits a thread key into its parts.
// Returns ok=false for keys not in the three-field format.
func ParseThreadKey(key string) (chatID, topicID, agentID string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
