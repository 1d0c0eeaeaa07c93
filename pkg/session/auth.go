package session

// CredentialProvider supplies the current access credential. The session
// core only reads it — token acquisition and refresh live with the caller.
// Injected explicitly so the core never reaches into global auth state.
type CredentialProvider interface {
	AccessToken() string
}

// StaticToken is a CredentialProvider for a fixed token.
type StaticToken string

// AccessToken returns the token.
func (t StaticToken) AccessToken() string {
	return string(t)
}
