package httpserver

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrUnauthorized     = "unauthorized"
	ErrInvalidSignature = "invalid signature"
)
