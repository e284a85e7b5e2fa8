package queue

import "fmt"

// ProgressChannel is the pub/sub channel carrying submission progress for a
// conversation. The latest payload is also SET under the same key so late
// subscribers can catch up.
func ProgressChannel(conversationID int64) string {
	return fmt.Sprintf("progress:conversation-%d", conversationID)
}

// ActiveSessionKey holds the session identifier currently allowed to write
// into a user's conversations.
func ActiveSessionKey(userID int64) string {
	return fmt.Sprintf("active-session:user-%d", userID)
}
