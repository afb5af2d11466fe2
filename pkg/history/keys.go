package history

// MessageKey is the history list of a conversation.
func MessageKey(conversation string) string { return "message_history:" + conversation }

// RazzleKey is the rolling window of the bot's own replies in a conversation.
func RazzleKey(conversation string) string { return "razzle_history:" + conversation }
