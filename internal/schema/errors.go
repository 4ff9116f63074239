package schema

import "errors"

// Sentinel errors for the schema layer. Handlers map these with errors.Is()
// instead of string matching.
var (
	ErrNotFound       = errors.New("collection not found")
	ErrFieldNotFound  = errors.New("field not found")
	ErrInvalidName    = errors.New("invalid identifier name")
	ErrNameExists     = errors.New("name is already taken")
	ErrReservedName   = errors.New("name collides with a system column")
	ErrInvalidType    = errors.New("invalid type")
	ErrMissingTarget  = errors.New("relation field requires an existing target collection")
	ErrIntegrityCheck = errors.New("foreign key integrity check failed")
)
