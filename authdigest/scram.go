package authdigest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Mechanism is the only SASL mechanism this client negotiates.
const Mechanism = "SCRAM-SHA-256"

// SCRAMClient drives the three-message SCRAM-SHA-256 exchange. It holds no
// socket; the caller (conn/protocol.go) is responsible for sending the
// bytes this type produces and feeding back the bytes the server replies
// with. This mirrors the protocol's own authentication digests being pure
// transformations over already-received challenge bytes.
type SCRAMClient struct {
	user     string
	password string

	clientNonce     string
	clientFirstBare string
	authMessage     string
	saltedPassword  []byte
}

// NewSCRAMClient starts a new exchange for the given user/password.
func NewSCRAMClient(user, password string) (*SCRAMClient, error) {
	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("authdigest: generating client nonce: %w", err)
	}
	c := &SCRAMClient{
		user:        user,
		password:    password,
		clientNonce: base64.StdEncoding.EncodeToString(nonceBytes),
	}
	return c, nil
}

// ClientFirstMessage builds the SASLInitialResponse payload
// ("n,,n=<user>,r=<nonce>") to send alongside the mechanism name.
func (c *SCRAMClient) ClientFirstMessage() []byte {
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", escapeUsername(c.user), c.clientNonce)
	return []byte("n,," + c.clientFirstBare)
}

// ClientFinalMessage consumes the server-first-message (the payload of
// AuthenticationSASLContinue) and returns the SASLResponse payload to send
// next. It returns an error if the server's nonce does not extend the
// client's nonce, which would indicate a tampered or misrouted exchange.
func (c *SCRAMClient) ClientFinalMessage(serverFirst []byte) ([]byte, error) {
	nonce, salt, iterations, err := parseServerFirst(string(serverFirst))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(nonce, c.clientNonce) {
		return nil, fmt.Errorf("authdigest: server nonce does not extend client nonce")
	}

	c.saltedPassword = pbkdf2.Key([]byte(c.password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(c.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, nonce)
	c.authMessage = c.clientFirstBare + "," + string(serverFirst) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(c.authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	final := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	return []byte(final), nil
}

// VerifyServerFinal checks the server signature carried in
// AuthenticationSASLFinal's payload ("v=<base64 signature>"). Must be
// called only after ClientFinalMessage has run (it needs authMessage and
// saltedPassword).
func (c *SCRAMClient) VerifyServerFinal(serverFinal []byte) error {
	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	expected := hmacSHA256(serverKey, []byte(c.authMessage))
	want := "v=" + base64.StdEncoding.EncodeToString(expected)
	if string(serverFinal) != want {
		return fmt.Errorf("authdigest: server SCRAM signature mismatch")
	}
	return nil
}

// Offers reports whether mechs (a null-terminated mechanism list already
// split by the caller) includes SCRAM-SHA-256.
func Offers(mechs []string) bool {
	for _, m := range mechs {
		if m == Mechanism {
			return true
		}
	}
	return false
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("authdigest: decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("authdigest: parsing iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("authdigest: incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// escapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802.
func escapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
