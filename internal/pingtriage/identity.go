package pingtriage

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	PingIDPrefix = "ping-"
	pingIDHexLen = 32
)

// PingID derives the identifier of a ping from its platform-native fields.
// The same triple always yields the same id, which is what makes repeated
// fetches of one message collapse into a single record. Collisions inside the
// truncated hash space are treated as the same ping.
func PingID(platform, messageID, timestamp string) string {
	sum := sha256.Sum256([]byte(platform + ":" + messageID + ":" + timestamp))
	return PingIDPrefix + hex.EncodeToString(sum[:])[:pingIDHexLen]
}

// ThreadID derives a thread identifier. Platform thread identifiers are
// already unique within a platform, so no hashing is applied.
func ThreadID(platform, threadIdentifier string) string {
	return platform + "-" + threadIdentifier
}
