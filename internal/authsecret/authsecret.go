// Package authsecret stores the optional shared secret the Dispatcher
// requires in an X-Render-Secret header on inbound requests.
package authsecret

import (
	"context"

	"renderfarm/internal/logx"
	"renderfarm/internal/secrets"
)

const settingName = "shared_secret"

var svc *secrets.Service

// Init sets the secrets service backing shared-secret operations.
func Init(s *secrets.Service) { svc = s }

// Set stores the shared secret.
func Set(secret string) error {
	if svc == nil {
		return nil
	}
	return svc.Set(context.Background(), settingName, []byte(secret))
}

// Get retrieves the shared secret for internal use.
func Get() (string, error) {
	if svc == nil {
		return "", nil
	}
	b, err := svc.Get(context.Background(), settingName)
	return string(b), err
}

// Exists reports whether a shared secret is configured. Middleware uses this
// to decide whether the header check applies at all.
func Exists() (bool, error) {
	if svc == nil {
		return false, nil
	}
	return svc.Exists(context.Background(), settingName)
}

// Clear removes the stored shared secret, disabling the header check.
func Clear() error {
	if svc == nil {
		return nil
	}
	return svc.Delete(context.Background(), settingName)
}

// ForLog returns the current secret and a redacted form safe for logging.
func ForLog() (string, string, error) {
	s, err := Get()
	if err != nil {
		return "", "", err
	}
	return s, logx.Secret(s), nil
}
