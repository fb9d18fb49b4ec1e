package utils

type ContextKey string

const (
	UserKey        ContextKey = "user"
	PermissionsKey ContextKey = "permissions"
	ClaimsKey      ContextKey = "claims"
)

// jwt claim names
const (
	UserIDKey    = "user_id"
	EmailKey     = "email"
	NameKey      = "name"
	RoleKey      = "role"
	KYCStatusKey = "kyc_status"
	TokenIDKey   = "jti"
	ExpKey       = "exp"
)
