package auditlog

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// computeRowHash computes HMAC-SHA256(key, prevHash|ts|attrID|corrID|user|outcome).
// Returns "" when key is nil, which disables chaining.
func computeRowHash(key []byte, prevHash string, e Event) string {
	if len(key) == 0 {
		return ""
	}
	msg := fmt.Sprintf("%s|%d|%s|%d|%s|%s", prevHash, e.Timestamp, e.AttrID, e.CorrelationID, e.User, e.Outcome)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
