package realtime

// Topic names. Keep these stable; websocket clients subscribe by the same names.

// CallsTopic carries every call record change (the incoming-calls feed).
const CallsTopic = "calls"

// CallTopic carries changes to a single call record.
func CallTopic(callID string) string { return "calls:" + callID }

// SignalsTopic carries signaling messages for a single call.
func SignalsTopic(callID string) string { return "call_signals:" + callID }

// UserTopic carries user-visible notifications for one user.
func UserTopic(userID string) string { return "notifications:" + userID }
