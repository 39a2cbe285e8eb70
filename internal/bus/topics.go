package bus

// Well-known topics. Agent notifications publish under
// notification.<agent_id>; subscribe to TopicNotificationAll to observe
// every state change in the system.
const (
	TopicEventCritical    = "event.critical"
	TopicNotificationAll  = "notification.>"
	topicNotificationBase = "notification"
)

// NotificationTopic returns the notification topic for one agent.
func NotificationTopic(agentID string) string {
	return topicNotificationBase + "." + agentID
}
