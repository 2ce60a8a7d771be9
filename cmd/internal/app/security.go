package app

import (
	"errors"
	"fmt"
)

const minJWTSecretBytes = 32

// ValidateSecurityConfig enforces Forge's security policy at startup.
//
// Fail-fast: a production server must never fall back to spoofable header identities
// or accept anonymous connections by accident.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < minJWTSecretBytes {
		return fmt.Errorf("security policy: FORGE_JWT_SECRET is too short (min %d bytes)", minJWTSecretBytes)
	}

	if !cfg.Production() {
		return nil
	}

	if cfg.JWTSecret == "" {
		return errors.New("security policy: FORGE_ENV=production but FORGE_JWT_SECRET is missing")
	}
	if !cfg.AuthRequired {
		return errors.New("security policy: FORGE_ENV=production requires FORGE_AUTH_REQUIRED=true")
	}
	if cfg.Gateway.InsecureSkipVerify {
		return errors.New("security policy: FORGE_WS_DEV_INSECURE must be off in production")
	}

	switch cfg.StoreKind() {
	case StoreMemory:
		return errors.New("security policy: FORGE_ENV=production requires a persistent store")
	case StorePostgres, StoreSQLite, StoreRedis:
	default:
		return fmt.Errorf("unknown FORGE_STORE %q", cfg.Store)
	}
	return nil
}
