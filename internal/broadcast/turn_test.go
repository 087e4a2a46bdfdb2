package broadcast

import (
	"strings"
	"testing"
	"time"
)

func TestMintTURNCredentialVector(t *testing.T) {
	// 2021-01-01T00:00:00Z; expiry lands exactly one day later.
	now := time.Unix(1609459200, 0).UTC()

	username, credential := MintTURNCredential("viewer-1", "s3cr3t", now)

	if username != "1609545600:viewer-1" {
		t.Fatalf("username = %q, want 1609545600:viewer-1", username)
	}
	if credential != "1xDvc2HEKr2bVHdM85gzZUx1n5E=" {
		t.Fatalf("credential = %q, want 1xDvc2HEKr2bVHdM85gzZUx1n5E=", credential)
	}
}

func TestMintTURNCredentialDependsOnSecret(t *testing.T) {
	now := time.Unix(1700000000, 0)
	_, a := MintTURNCredential("base", "secret-a", now)
	_, b := MintTURNCredential("base", "secret-b", now)
	if a == b {
		t.Fatal("different secrets produced the same credential")
	}
}

func TestBuildICEServersWithoutTURNFallsBackToSTUN(t *testing.T) {
	servers := BuildICEServers("", "irrelevant", "rpi")
	if len(servers) != 1 {
		t.Fatalf("got %d servers, want 1", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("fallback URL = %q, want Google STUN", servers[0].URLs[0])
	}
	if servers[0].Username != "" {
		t.Fatalf("STUN fallback carries a username: %q", servers[0].Username)
	}
}

func TestBuildICEServersWithTURN(t *testing.T) {
	servers := BuildICEServers("turn.example.com", "secret", "rpi")
	if len(servers) != 3 {
		t.Fatalf("got %d servers, want 3", len(servers))
	}

	if got := servers[0].URLs[0]; got != "turns:turn.example.com:5349?transport=tcp" {
		t.Fatalf("TLS relay URL = %q", got)
	}
	if got := servers[1].URLs[0]; got != "turn:turn.example.com:3478?transport=udp" {
		t.Fatalf("UDP relay URL = %q", got)
	}
	if got := servers[2].URLs[0]; got != "stun:stun.l.google.com:19302" {
		t.Fatalf("STUN URL = %q", got)
	}

	for i := 0; i < 2; i++ {
		username := servers[i].Username
		if !strings.HasSuffix(username, ":rpi") {
			t.Fatalf("server %d username = %q, want expiry:rpi shape", i, username)
		}
	}
	if servers[0].Username != servers[1].Username {
		t.Fatalf("relay entries minted different usernames: %q vs %q", servers[0].Username, servers[1].Username)
	}
	if servers[0].Credential != servers[1].Credential {
		t.Fatal("relay entries minted different credentials")
	}
}
