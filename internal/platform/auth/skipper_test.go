package auth

import "testing"

func TestIsPublicPath(t *testing.T) {
	public := []string{"/health", "/health/db", "/metrics", "/files/*", "/api/v1/auth/login", "/api/v1/auth/register"}
	for _, p := range public {
		if !IsPublicPath(p) {
			t.Errorf("expected %s to be public", p)
		}
	}

	private := []string{"/api/v1/visits", "/api/v1/auth/me", "/api/v1/auth/logout", "/api/v1/recordings/:id/save"}
	for _, p := range private {
		if IsPublicPath(p) {
			t.Errorf("expected %s to require auth", p)
		}
	}
}
