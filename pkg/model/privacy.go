package model

import "fmt"

// PrivacyLevel governs what, if anything, is ever emitted alongside a
// commitment: plaintext (TRANSPARENT), nothing (SHIELDED), or viewing-key
// encrypted detail (COMPLIANT).
type PrivacyLevel string

const (
	PrivacyTransparent PrivacyLevel = "TRANSPARENT"
	PrivacyShielded    PrivacyLevel = "SHIELDED"
	PrivacyCompliant   PrivacyLevel = "COMPLIANT"
)

func (p PrivacyLevel) Valid() bool {
	switch p {
	case PrivacyTransparent, PrivacyShielded, PrivacyCompliant:
		return true
	}
	return false
}

// Disclosure is the closed variant fixed at record creation. Exactly one of
// Plain or Sealed is populated depending on the level; SHIELDED carries
// neither. Components dispatch on the level once, at creation, never on
// scattered runtime flags.
type Disclosure struct {
	Level PrivacyLevel `json:"level"`

	// Plain is the cleartext detail; TRANSPARENT only.
	Plain []byte `json:"plain,omitempty"`

	// Sealed is the viewing-key encrypted detail; COMPLIANT only.
	Sealed []byte `json:"sealed,omitempty"`
}

// NewDisclosure builds the disclosure variant for a record at creation time.
// detail is the serialized record detail; seal encrypts it under a trade- or
// record-scoped viewing key and is only consulted for COMPLIANT records.
func NewDisclosure(level PrivacyLevel, detail []byte, seal func([]byte) ([]byte, error)) (Disclosure, error) {
	switch level {
	case PrivacyTransparent:
		return Disclosure{Level: level, Plain: detail}, nil
	case PrivacyShielded:
		return Disclosure{Level: level}, nil
	case PrivacyCompliant:
		if seal == nil {
			return Disclosure{}, fmt.Errorf("compliant disclosure requires a sealer")
		}
		sealed, err := seal(detail)
		if err != nil {
			return Disclosure{}, fmt.Errorf("sealing compliant detail: %w", err)
		}
		return Disclosure{Level: level, Sealed: sealed}, nil
	default:
		return Disclosure{}, fmt.Errorf("unknown privacy level %q", level)
	}
}
