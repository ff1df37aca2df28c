package deploy

import "io"

// Validator judges a single file's compliance with project standards.
// Validation failure is expressed in the result, never as an error: the
// error return is for faults in the validator itself (unreadable rule
// files, and so on).
type Validator interface {
	Validate(path string) (*ValidationResult, error)
}

// FileDeployer copies one file to its destination, performing whatever
// preparation (directory creation, archiving the previous version) and
// verification the deployment policy requires.
type FileDeployer interface {
	Deploy(source, dest string) error
}

// FileRestorer undoes one file's deployment, restoring the previous version
// of the destination or removing it if there was none.
type FileRestorer interface {
	Restore(dest string) error
}

// BlobStore is a keyed artifact store used to keep off-host replicas of
// backup archives. Implementations stream content and never load whole
// artifacts into memory.
type BlobStore interface {
	// Put stores content under key. size is the number of bytes that will
	// be read from r.
	Put(key string, r io.Reader, size int64) error

	// Get retrieves the content stored under key and writes it to w.
	Get(key string, w io.Writer) error

	// Delete removes the content stored under key. Deleting a missing key
	// is not an error.
	Delete(key string) error

	// Exists reports whether content is stored under key.
	Exists(key string) (bool, error)
}

// Encryptor handles encryption of backup artifacts and unlocking for
// decryption. Encryption uses the public key only; decryption requires a
// passphrase to unlock the private key, producing a DecryptionContext for
// the session.
type Encryptor interface {
	// Setup performs one-time key generation. Generates a key pair, stores
	// the public key in plaintext, and encrypts the private key with the
	// provided passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key using the passphrase and returns a
	// DecryptionContext valid for the duration of the session.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist at configured paths.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for the duration
// of a verify/restore session. The unlocked key is never written to disk.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
