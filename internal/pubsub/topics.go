package pubsub

import "fmt"

// Topics follow a hierarchical naming convention: {resource}:{id}.
const (
	prefixOperation = "operation"

	// TopicOperations receives every operation status event; list views
	// subscribe here instead of one topic per operation. Progress events go
	// only to the per-operation topic.
	TopicOperations = "operations"
)

// OperationTopic returns the per-operation topic for status and progress
// events of a single operation.
func OperationTopic(operationID string) string {
	return fmt.Sprintf("%s:%s", prefixOperation, operationID)
}
