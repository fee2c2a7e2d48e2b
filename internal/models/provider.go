package models

// Provider represents an upstream OAuth provider.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderSpotify   Provider = "spotify"
	ProviderApple     Provider = "apple"
	ProviderOther     Provider = "other"
)

// subjectRequired lists providers where a user may connect several upstream
// accounts, so the provider subject claim is part of the identity contract.
var subjectRequired = map[Provider]bool{
	ProviderGoogle:    true,
	ProviderMicrosoft: true,
}

// SubjectRequired reports whether a record for this provider must carry a
// provider subject before it may become the valid generation.
func (p Provider) SubjectRequired() bool {
	return subjectRequired[p]
}

// Valid reports whether the provider is a known value.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderSpotify, ProviderApple, ProviderOther:
		return true
	}
	return false
}
