package models

// VoterPayload is the decrypted content of a voter's QR code.
type VoterPayload struct {
	VoterID string `json:"voter_id"`
	Name    string `json:"name,omitempty"`
}
