package secrets

import "testing"

func TestRoundTrip(t *testing.T) {
	for _, scheme := range []string{"bcrypt", "argon2id", "ssha"} {
		t.Run(scheme, func(t *testing.T) {
			h, err := New(scheme)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			encoded, err := h.Hash("correct horse battery staple")
			if err != nil {
				t.Fatalf("Hash: %v", err)
			}
			if encoded == "correct horse battery staple" {
				t.Fatalf("password stored in the clear")
			}
			if !h.Verify("correct horse battery staple", encoded) {
				t.Errorf("correct password rejected")
			}
			if h.Verify("wrong password", encoded) {
				t.Errorf("wrong password accepted")
			}
			again, err := h.Hash("correct horse battery staple")
			if err != nil {
				t.Fatalf("Hash: %v", err)
			}
			if again == encoded {
				t.Errorf("hash is not salted")
			}
		})
	}
}

func TestUnsupportedScheme(t *testing.T) {
	if _, err := New("md5"); err == nil {
		t.Errorf("md5 should be rejected")
	}
}
