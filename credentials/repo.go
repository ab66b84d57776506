package credentials

// Repo persists the credential record between process runs. Implementations
// must be safe for concurrent use.
type Repo interface {
	// Load returns the stored credential, or (nil, nil) when none exists.
	Load() (*Credential, error)

	// Save replaces the stored credential.
	Save(cred *Credential) error

	// Wipe removes the stored credential. Wiping an empty store is not an
	// error.
	Wipe() error
}
