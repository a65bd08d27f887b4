// Package handoff mints and opens the encrypted token that carries a
// validated (project, subject) pair from the server-side access check to
// the client view, so the view does not re-query the grant store.
package handoff

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Claims is the complete claim set. Exactly these three fields; the token
// is not an extensible envelope.
type Claims struct {
	ProjectID string `json:"projectId"`
	SubjectID string `json:"subjectId"`
	IssuedAt  int64  `json:"issuedAt"` // epoch milliseconds
}

// Validity is the window after IssuedAt during which a token opens.
const Validity = 24 * time.Hour

const ivSize = aes.BlockSize // 16 bytes, 32 hex chars on the wire

var kdfSalt = []byte("cadstudio/handoff/v1")

// Codec encrypts claims with a key derived from the configured secret.
// Rotating the secret invalidates all outstanding tokens; the wire shape
// <ivhex>:<cipherhex> stays stable across rotations. The second field
// carries the GCM tag after the ciphertext, so a token altered anywhere
// fails to open.
type Codec struct {
	key []byte
	now func() time.Time
}

func NewCodec(secret string) *Codec {
	return &Codec{
		key: pbkdf2.Key([]byte(secret), kdfSalt, 4096, 32, sha256.New),
		now: time.Now,
	}
}

// Mint returns "<ivhex>:<cipherhex>" for the given pair, stamped with the
// current wall clock. A fresh random IV makes every mint distinct even for
// equal claims.
func (c *Codec) Mint(projectID, subjectID string) (string, error) {
	if projectID == "" || subjectID == "" {
		return "", fmt.Errorf("mint: project and subject ids are required")
	}

	claims := Claims{
		ProjectID: projectID,
		SubjectID: subjectID,
		IssuedAt:  c.now().UnixMilli(),
	}
	plaintext, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("mint: marshal claims: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("mint: read iv: %w", err)
	}

	aead, err := c.aead()
	if err != nil {
		return "", fmt.Errorf("mint: %w", err)
	}
	ciphertext := aead.Seal(nil, iv, plaintext, nil)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Open decodes a token. Malformed, tampered, or expired tokens all come
// back as ok=false; callers treat that as "deny", never as a system fault,
// so no error crosses this boundary.
func (c *Codec) Open(token string) (Claims, bool) {
	ivHex, cipherHex, found := strings.Cut(token, ":")
	if !found || len(ivHex) != ivSize*2 || cipherHex == "" {
		return Claims{}, false
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return Claims{}, false
	}
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		return Claims{}, false
	}

	aead, err := c.aead()
	if err != nil {
		log.Printf("handoff: cipher init: %v", err)
		return Claims{}, false
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return Claims{}, false
	}

	var claims Claims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return Claims{}, false
	}
	if claims.ProjectID == "" || claims.SubjectID == "" || claims.IssuedAt <= 0 {
		return Claims{}, false
	}
	if c.Expired(claims) {
		return Claims{}, false
	}
	return claims, true
}

// aead builds AES-GCM over the derived key, with the wire IV as nonce.
func (c *Codec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// Expired reports whether the claim set's issue time falls outside the
// validity window.
func (c *Codec) Expired(claims Claims) bool {
	issued := time.UnixMilli(claims.IssuedAt)
	return c.now().Sub(issued) > Validity
}
