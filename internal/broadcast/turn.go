package broadcast

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

const credentialTTL = 24 * time.Hour

// googleSTUN is the fallback when no TURN server is configured. Host
// candidates plus public STUN cover LAN viewers and most home NATs.
const googleSTUN = "stun:stun.l.google.com:19302"

// MintTURNCredential derives time-limited TURN credentials from the
// shared secret, the scheme coturn implements as use-auth-secret:
// username is "{expiry}:{base}" and the credential is the base64 of
// HMAC-SHA1(secret, username).
func MintTURNCredential(base, secret string, now time.Time) (username, credential string) {
	expiry := now.Add(credentialTTL).Unix()
	username = fmt.Sprintf("%d:%s", expiry, base)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, credential
}

// BuildICEServers assembles the ICE server list for a new peer
// connection. With a TURN host configured it mints fresh credentials
// and offers TLS-TCP and plain UDP relays; otherwise it falls back to
// public STUN only.
func BuildICEServers(turnHost, turnSecret, usernameBase string) []webrtc.ICEServer {
	if turnHost == "" {
		return []webrtc.ICEServer{{URLs: []string{googleSTUN}}}
	}

	if usernameBase == "" {
		usernameBase = "broadcaster"
	}
	username, credential := MintTURNCredential(usernameBase, turnSecret, time.Now())

	return []webrtc.ICEServer{
		{
			URLs:       []string{fmt.Sprintf("turns:%s:5349?transport=tcp", turnHost)},
			Username:   username,
			Credential: credential,
		},
		{
			URLs:       []string{fmt.Sprintf("turn:%s:3478?transport=udp", turnHost)},
			Username:   username,
			Credential: credential,
		},
		{URLs: []string{googleSTUN}},
	}
}
