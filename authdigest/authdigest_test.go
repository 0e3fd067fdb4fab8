package authdigest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

func TestCleartext(t *testing.T) {
	if got := Cleartext("s3cr3t"); got != "s3cr3t" {
		t.Errorf("expected the password unchanged, got %q", got)
	}
}

func TestMD5KnownVector(t *testing.T) {
	// md5(hex(md5("password"+"user"))+salt) with an all-zero salt,
	// computed independently of this package.
	got := MD5("password", "user", [4]byte{0, 0, 0, 0})
	if got != "md526954954055dc4921b63361688476acf" {
		t.Errorf("expected the known digest md526954954055dc4921b63361688476acf, got %q", got)
	}
	if !strings.HasPrefix(got, "md5") {
		t.Fatalf("expected an md5-prefixed digest, got %q", got)
	}
	if len(got) != len("md5")+32 {
		t.Fatalf("expected a 32-character hex digest after the prefix, got %q", got)
	}
	// Deterministic: same inputs, same digest.
	again := MD5("password", "user", [4]byte{0, 0, 0, 0})
	if got != again {
		t.Error("expected MD5 to be a pure function of its inputs")
	}
	// Sensitive to the salt.
	salted := MD5("password", "user", [4]byte{1, 2, 3, 4})
	if got == salted {
		t.Error("expected a different salt to change the digest")
	}
}

func TestOffers(t *testing.T) {
	if !Offers([]string{"SCRAM-SHA-256-PLUS", "SCRAM-SHA-256"}) {
		t.Error("expected Offers to find SCRAM-SHA-256 in the mechanism list")
	}
	if Offers([]string{"SCRAM-SHA-256-PLUS"}) {
		t.Error("expected Offers to reject a list without plain SCRAM-SHA-256")
	}
}

// fakeSCRAMServer implements just enough of the server side of RFC 5802 to
// drive SCRAMClient through a full three-message exchange and confirm it
// reaches agreement on both the client and server proofs.
type fakeSCRAMServer struct {
	user, password string
	clientNonce    string
	serverNonce    string
	salt           []byte
	iterations     int
	clientFirstBare string
	serverFirst    string
}

func newFakeSCRAMServer(user, password string) *fakeSCRAMServer {
	salt := make([]byte, 16)
	rand.Read(salt)
	return &fakeSCRAMServer{user: user, password: password, salt: salt, iterations: 4096}
}

func (s *fakeSCRAMServer) firstMessage(clientFirst []byte) []byte {
	s.clientFirstBare = strings.TrimPrefix(string(clientFirst), "n,,")
	for _, part := range strings.Split(s.clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			s.clientNonce = part[2:]
		}
	}
	serverNonceBytes := make([]byte, 18)
	rand.Read(serverNonceBytes)
	s.serverNonce = s.clientNonce + base64.StdEncoding.EncodeToString(serverNonceBytes)
	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d", s.serverNonce, base64.StdEncoding.EncodeToString(s.salt), s.iterations)
	return []byte(s.serverFirst)
}

// finalMessage validates the client's proof and returns the server's own
// signature, mirroring AuthenticationSASLFinal's payload.
func (s *fakeSCRAMServer) finalMessage(clientFinal []byte) ([]byte, error) {
	saltedPassword := pbkdf2.Key([]byte(s.password), s.salt, s.iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	parts := strings.Split(string(clientFinal), ",p=")
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed client-final-message")
	}
	clientFinalWithoutProof, proofB64 := parts[0], parts[1]
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return nil, err
	}

	authMessage := s.clientFirstBare + "," + s.serverFirst + "," + clientFinalWithoutProof
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	expectedProof := xorBytes(clientKey, clientSignature)
	if !hmac.Equal(proof, expectedProof) {
		return nil, fmt.Errorf("client proof mismatch")
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(authMessage))
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
}

func TestSCRAMClient_FullExchangeSucceeds(t *testing.T) {
	server := newFakeSCRAMServer("alice", "correct-horse")
	client, err := NewSCRAMClient("alice", "correct-horse")
	if err != nil {
		t.Fatalf("NewSCRAMClient: %v", err)
	}

	clientFirst := client.ClientFirstMessage()
	serverFirst := server.firstMessage(clientFirst)

	clientFinal, err := client.ClientFinalMessage(serverFirst)
	if err != nil {
		t.Fatalf("ClientFinalMessage: %v", err)
	}

	serverFinal, err := server.finalMessage(clientFinal)
	if err != nil {
		t.Fatalf("server rejected the client proof: %v", err)
	}

	if err := client.VerifyServerFinal(serverFinal); err != nil {
		t.Fatalf("VerifyServerFinal: %v", err)
	}
}

func TestSCRAMClient_RejectsTamperedServerNonce(t *testing.T) {
	client, err := NewSCRAMClient("alice", "correct-horse")
	if err != nil {
		t.Fatalf("NewSCRAMClient: %v", err)
	}
	client.ClientFirstMessage()

	tampered := []byte("r=not-the-clients-nonce,s=" + base64.StdEncoding.EncodeToString([]byte("salt1234567890ab")) + ",i=4096")
	if _, err := client.ClientFinalMessage(tampered); err == nil {
		t.Error("expected an error when the server nonce does not extend the client nonce")
	}
}

func TestSCRAMClient_RejectsForgedServerSignature(t *testing.T) {
	server := newFakeSCRAMServer("alice", "correct-horse")
	client, err := NewSCRAMClient("alice", "correct-horse")
	if err != nil {
		t.Fatalf("NewSCRAMClient: %v", err)
	}

	clientFirst := client.ClientFirstMessage()
	serverFirst := server.firstMessage(clientFirst)
	if _, err := client.ClientFinalMessage(serverFirst); err != nil {
		t.Fatalf("ClientFinalMessage: %v", err)
	}

	forged := []byte("v=" + base64.StdEncoding.EncodeToString([]byte("not-the-real-signature-bytes!!!!")))
	if err := client.VerifyServerFinal(forged); err == nil {
		t.Error("expected a forged server signature to be rejected")
	}
}
