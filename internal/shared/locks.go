package shared

import "fmt"

// ConsentLockKey builds the serialization key for consent writes of one subject.
func ConsentLockKey(kind, subjectID string) string {
	return fmt.Sprintf("consent:%s:%s", kind, subjectID)
}
