package natsbus

import "fmt"

// Subject patterns for agent addressing and lifecycle events.

func TopicAgent(role string) string {
	return fmt.Sprintf("agent.%s", role)
}

// TopicCancel is the cancellation subject paired with an agent address.
func TopicCancel(address string) string {
	return address + ".cancel"
}

func TopicEventsRequest(requestID string) string {
	return fmt.Sprintf("events.request.%s", requestID)
}

const (
	TopicEventsAll      = "events.>"
	TopicEventsRequests = "events.request.*"
)
