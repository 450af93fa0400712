package vault

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/aristath/runbook/internal/snapshot"
)

const (
	// envelopeHeader is the first line of every checkpoint file.
	envelopeHeader = "RUNBOOK-CHECKPOINT/1 xchacha20poly1305+hmac-sha256"

	// tagContext binds integrity tags to this use.
	tagContext = "runbook checkpoint integrity v1"

	encryptionInfo = "runbook checkpoint encryption v1"
	integrityInfo  = "runbook checkpoint integrity key v1"

	tagHexLen = sha256.Size * 2
)

var b64 = base64.StdEncoding.Strict()

// keys are the two independent keys derived for one principal.
type keys struct {
	enc []byte
	mac []byte
}

// deriveKeys expands secret into an encryption key and an integrity key.
// The principal is the HKDF salt, so another user or host derives different keys.
func deriveKeys(secret []byte, p snapshot.Principal) (keys, error) {
	salt := []byte(principalID(p))

	enc := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(encryptionInfo)), enc); err != nil {
		return keys{}, fmt.Errorf("derive encryption key: %w", err)
	}
	mac := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(integrityInfo)), mac); err != nil {
		return keys{}, fmt.Errorf("derive integrity key: %w", err)
	}
	return keys{enc: enc, mac: mac}, nil
}

func principalID(p snapshot.Principal) string {
	return p.User + "\x00" + p.Host
}

// computeTag returns the hex HMAC over the context string, principal, header
// and the encoded body exactly as stored.
func computeTag(k keys, p snapshot.Principal, header, body string) string {
	m := hmac.New(sha256.New, k.mac)
	for _, part := range []string{tagContext, principalID(p), header, body} {
		m.Write([]byte(part))
		m.Write([]byte{0})
	}
	return hex.EncodeToString(m.Sum(nil))
}

// seal encrypts plaintext and returns the full envelope.
func seal(k keys, p snapshot.Principal, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.enc)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(envelopeHeader))
	body := b64.EncodeToString(sealed)
	tag := computeTag(k, p, envelopeHeader, body)

	var buf bytes.Buffer
	buf.Grow(len(envelopeHeader) + tagHexLen + len(body) + 3)
	buf.WriteString(envelopeHeader)
	buf.WriteByte('\n')
	buf.WriteString(tag)
	buf.WriteByte('\n')
	buf.WriteString(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// open verifies the envelope's tag and only then decrypts it.
func open(k keys, p snapshot.Principal, envelope []byte) ([]byte, error) {
	parts := bytes.Split(envelope, []byte{'\n'})
	if len(parts) != 4 || len(parts[3]) != 0 {
		return nil, errors.New("malformed envelope")
	}
	header, tag, body := string(parts[0]), string(parts[1]), string(parts[2])

	if header != envelopeHeader {
		return nil, fmt.Errorf("unrecognised envelope header %q", header)
	}
	if len(tag) != tagHexLen {
		return nil, errors.New("integrity tag has the wrong length")
	}

	want := computeTag(k, p, header, body)
	if subtle.ConstantTimeCompare([]byte(tag), []byte(want)) != 1 {
		return nil, errors.New("integrity tag mismatch")
	}

	sealed, err := b64.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	aead, err := chacha20poly1305.NewX(k.enc)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(header))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
