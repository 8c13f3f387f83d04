package durable

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NewInstanceID returns a random instance identifier.
func NewInstanceID() string {
	return uuid.NewString()
}

// DeterministicGUID derives a stable identifier from an instance, its
// generation, and a per-replay counter.
func DeterministicGUID(instanceID string, generation int, counter int64) string {
	name := strings.Join([]string{
		strings.TrimSpace(instanceID),
		strconv.Itoa(generation),
		strconv.FormatInt(counter, 10),
	}, "/")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("durable:"+name)).String()
}

// ChildInstanceID is the default identifier of a sub-orchestration.
func ChildInstanceID(parentID string, generation int, taskID int64) string {
	id := strings.TrimSpace(parentID) + ":" + strconv.FormatInt(taskID, 10)
	if generation > 1 {
		id += "@" + strconv.Itoa(generation)
	}
	return id
}
