package domain

import (
	"encoding/json"
	"strings"
)

const (
	queueKeyPrefix      = "message:queue:"
	timerKeyPrefix      = "message:timer:"
	lockKeyPrefix       = "message:lock:"
	deadLetterKeyPrefix = "message:deadletter:"
)

// ConversationKey identifies one aggregation unit.
type ConversationKey struct {
	ChatbotID      string `json:"chatbotId"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

var (
	keyEscaper   = strings.NewReplacer("%", "%25", ":", "%3A")
	keyUnescaper = strings.NewReplacer("%3A", ":", "%25", "%")
)

// String joins the escaped identifiers with ':'. Escaping keeps the
// encoding injective, so ids that contain ':' never collide.
func (k ConversationKey) String() string {
	return keyEscaper.Replace(k.ChatbotID) + ":" +
		keyEscaper.Replace(k.UserID) + ":" +
		keyEscaper.Replace(k.ConversationID)
}

// Valid reports whether all three identifiers are present.
func (k ConversationKey) Valid() bool {
	return strings.TrimSpace(k.ChatbotID) != "" &&
		strings.TrimSpace(k.UserID) != "" &&
		strings.TrimSpace(k.ConversationID) != ""
}

func (k ConversationKey) QueueKey() string { return queueKeyPrefix + k.String() }

func (k ConversationKey) TimerKey() string { return timerKeyPrefix + k.String() }

func (k ConversationKey) LockKey() string { return lockKeyPrefix + k.String() }

func (k ConversationKey) DeadLetterKey(id string) string {
	return deadLetterKeyPrefix + k.String() + ":" + id
}

// QueueKeyPrefix is the prefix shared by every message queue record.
func QueueKeyPrefix() string { return queueKeyPrefix }

// ParseQueueKey recovers the ConversationKey from a queue record key.
func ParseQueueKey(key string) (ConversationKey, bool) {
	rest, ok := strings.CutPrefix(key, queueKeyPrefix)
	if !ok {
		return ConversationKey{}, false
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return ConversationKey{}, false
	}
	k := ConversationKey{
		ChatbotID:      keyUnescaper.Replace(parts[0]),
		UserID:         keyUnescaper.Replace(parts[1]),
		ConversationID: keyUnescaper.Replace(parts[2]),
	}
	return k, k.Valid()
}

// AggregatedBatch is the payload delivered to a chatbot webhook.
type AggregatedBatch struct {
	UserID         string            `json:"userId"`
	ConversationID string            `json:"conversationId"`
	ChatbotID      string            `json:"chatbotId"`
	Timestamp      int64             `json:"timestamp"`
	Messages       []json.RawMessage `json:"messages"`
}
