// File: encryption/payload.go
package encryption

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"

	"obvv-backend/models"
)

// DefaultAssociatedData binds QR payloads to this application.
const DefaultAssociatedData = "obvv-voter-qr"

var ErrUnauthorizedPayload = errors.New("unauthorized or invalid QR payload")

// PayloadDecryptor turns a raw QR payload into the voter it was issued to.
// It owns the booth's AEAD key; nothing else in a booth process sees it.
type PayloadDecryptor struct {
	aead           tink.AEAD
	associatedData []byte
}

func NewPayloadDecryptor(h *keyset.Handle, associatedData string) (*PayloadDecryptor, error) {
	a, err := aead.New(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD primitive: %w", err)
	}
	if associatedData == "" {
		associatedData = DefaultAssociatedData
	}
	return &PayloadDecryptor{aead: a, associatedData: []byte(associatedData)}, nil
}

// LoadPayloadDecryptor reads a cleartext JSON keyset from path.
func LoadPayloadDecryptor(path, associatedData string) (*PayloadDecryptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyset: %w", err)
	}
	defer f.Close()

	h, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(f))
	if err != nil {
		return nil, fmt.Errorf("failed to read keyset: %w", err)
	}
	return NewPayloadDecryptor(h, associatedData)
}

// DecryptAndParse accepts the URL-safe base64 text printed in the QR code.
func (d *PayloadDecryptor) DecryptAndParse(raw []byte) (*models.VoterPayload, error) {
	text := strings.TrimRight(strings.TrimSpace(string(raw)), "=")
	ct, err := base64.RawURLEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64", ErrUnauthorizedPayload)
	}

	pt, err := d.aead.Decrypt(ct, d.associatedData)
	if err != nil {
		return nil, ErrUnauthorizedPayload
	}

	var payload models.VoterPayload
	if err := json.Unmarshal(pt, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed content", ErrUnauthorizedPayload)
	}
	if strings.TrimSpace(payload.VoterID) == "" {
		return nil, fmt.Errorf("%w: missing voter_id", ErrUnauthorizedPayload)
	}
	return &payload, nil
}

// EncryptPayload produces QR text DecryptAndParse accepts. Enrolment tooling
// and tests use it; booths never do.
func EncryptPayload(h *keyset.Handle, associatedData string, payload models.VoterPayload) (string, error) {
	a, err := aead.New(h)
	if err != nil {
		return "", fmt.Errorf("failed to create AEAD primitive: %w", err)
	}
	if associatedData == "" {
		associatedData = DefaultAssociatedData
	}
	pt, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	ct, err := a.Encrypt(pt, []byte(associatedData))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return base64.URLEncoding.EncodeToString(ct), nil
}
