package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Namespace for deriving incident identifiers from stable business keys.
var incidentNamespace = uuid.MustParse("9f2c1b34-7d6e-4a81-b1c5-3e8f0a92d417")

func New() string {
	return uuid.NewString()
}

// Incident derives a deterministic identifier from a business key such as a
// chat channel/thread reference, so concurrent requests about the same
// real-world incident route to the same actor instance.
func Incident(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed = append(trimmed, strings.TrimSpace(part))
	}
	key := strings.Join(trimmed, ":")
	return uuid.NewSHA1(incidentNamespace, []byte(key)).String()
}
