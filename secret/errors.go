package secret

import "errors"

var (
	// ErrMissingEnv is matched by every *MissingEnvError.
	ErrMissingEnv = errors.New("secret: missing environment variables")

	// ErrProviderNotRegistered is returned for references to unknown providers.
	ErrProviderNotRegistered = errors.New("secret: provider not registered")

	// ErrEmptySecret is returned by a strict resolver when a provider yields "".
	ErrEmptySecret = errors.New("secret: provider returned empty value")

	// ErrInvalidRef is returned for malformed references.
	ErrInvalidRef = errors.New("secret: invalid reference")
)
