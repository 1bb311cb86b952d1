package domain

import "encoding/base64"

// MediaAsset is a stored binary attachment. Data holds the base64 payload.
type MediaAsset struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
	Data string `json:"data"`
}

// Bytes decodes the stored payload.
func (m MediaAsset) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Data)
}
