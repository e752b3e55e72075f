// Package errs defines the tbenc/v1 error taxonomy as sentinel errors.
//
// Every fallible operation in internal/tbenc wraps one of these with
// fmt.Errorf("...: %w", ...) so callers can branch with errors.Is instead
// of parsing messages.
package errs

import "errors"

var (
	// ErrInvalidParameter is returned when a caller-supplied key, chunk
	// size, or identifier is out of range.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrBadMagic is returned when the 8-byte magic does not read "TBENC001".
	ErrBadMagic = errors.New("bad magic")

	// ErrUnsupportedVersion is returned when the header version is not 1.
	ErrUnsupportedVersion = errors.New("unsupported version")

	// ErrUnsupportedAlgorithm is returned when the header algorithm is not
	// AES-256-GCM-CHUNKED.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrInvalidHeader is returned for structurally invalid headers
	// (non-zero reserved bytes, chunk_bytes mismatch against the manifest).
	ErrInvalidHeader = errors.New("invalid header")

	// ErrInvalidRecord is returned on a short read, an impossible pt_len,
	// or any other record framing violation.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrInvalidManifest is returned when the manifest is missing a
	// required field or a field fails validation.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrCiphertextHashMismatch is returned when the pre-flight SHA-256
	// over the downloaded ciphertext does not match the manifest.
	ErrCiphertextHashMismatch = errors.New("ciphertext hash mismatch")

	// ErrAuthenticationFailed is returned when a GCM tag fails to verify.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrLengthMismatch is returned when the total decrypted byte count
	// differs from the manifest's plaintext_bytes.
	ErrLengthMismatch = errors.New("length mismatch")

	// ErrIoError wraps a transport or filesystem failure surfaced by the core.
	ErrIoError = errors.New("io error")

	// ErrCancelled is returned when an engine is cancelled between records.
	ErrCancelled = errors.New("cancelled")

	// ErrAuthorizationDenied is returned by the authorization collaborator
	// client when the control plane denies the request.
	ErrAuthorizationDenied = errors.New("authorization denied")
)
