package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if ok, _ := rl.Allow("ops"); !ok {
			t.Fatalf("attempt %d refused, want allowed", i+1)
		}
	}
	ok, retryAfter := rl.Allow("ops")
	if ok {
		t.Fatal("attempt 4 allowed, want refused")
	}
	if retryAfter < 1 {
		t.Errorf("retryAfter = %d, want >= 1", retryAfter)
	}
}

func TestRateLimiterPerIdentity(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	if ok, _ := rl.Allow("alice"); !ok {
		t.Fatal("alice refused")
	}
	if ok, _ := rl.Allow("bob"); !ok {
		t.Fatal("bob refused, limits must be per identity")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(1, time.Minute)
	rl.SetNow(func() time.Time { return now })

	rl.Allow("ops")
	if ok, _ := rl.Allow("ops"); ok {
		t.Fatal("second attempt in window allowed")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := rl.Allow("ops"); !ok {
		t.Fatal("attempt after window refused")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(1, time.Minute)
	rl.SetNow(func() time.Time { return now })

	rl.Allow("ops")
	now = now.Add(2 * time.Minute)
	rl.Cleanup()

	rl.mu.Lock()
	n := len(rl.attempts)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("attempts map has %d entries after cleanup, want 0", n)
	}
}

func TestValidateOrigin(t *testing.T) {
	cases := []struct {
		name    string
		origin  string
		referer string
		allowed []string
		want    bool
	}{
		{"no headers", "", "", nil, true},
		{"same host", "http://example.com", "", nil, true},
		{"cross origin", "http://evil.com", "", nil, false},
		{"allow-listed", "https://admin.example.com", "", []string{"https://admin.example.com"}, true},
		{"referer fallback match", "", "http://example.com/admin", nil, true},
		{"referer fallback mismatch", "", "http://evil.com/admin", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "http://example.com/api/actions", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if tc.referer != "" {
				r.Header.Set("Referer", tc.referer)
			}
			if got := ValidateOrigin(r, tc.allowed); got != tc.want {
				t.Errorf("ValidateOrigin = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPasswordPolicy(t *testing.T) {
	if err := ValidatePassword("short1"); err == nil {
		t.Error("accepted a 6-char password")
	}
	if err := ValidatePassword("lettersonly"); err == nil {
		t.Error("accepted a password without digits")
	}
	if err := ValidatePassword("12345678"); err == nil {
		t.Error("accepted a password without letters")
	}
	if err := ValidatePassword("correct horse 1"); err != nil {
		t.Errorf("rejected a valid password: %v", err)
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("hunter2hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "hunter2hunter2") {
		t.Error("CheckPassword rejected the right password")
	}
	if CheckPassword(hash, "wrong") {
		t.Error("CheckPassword accepted the wrong password")
	}
}
