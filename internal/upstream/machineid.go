package upstream

import (
	"crypto/sha256"
	"encoding/hex"
)

// machineID derives a stable per-upstream identifier used only inside the
// User-Agent / x-amz-user-agent headers to mimic the native desktop client
// (spec §4.F).
func machineID(uuid, profileArn, clientID string) string {
	h := sha256.Sum256([]byte(uuid + profileArn + clientID + "DEFAULT"))
	return hex.EncodeToString(h[:])
}

const (
	clientBrand   = "kiro-gateway"
	clientVersion = "1.0.0"
)

func userAgent(uuid, profileArn, clientID string) string {
	return clientBrand + "/" + clientVersion + " machine/" + machineID(uuid, profileArn, clientID)
}
