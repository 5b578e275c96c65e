package protocol

import "testing"

func TestNewSessionCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := NewSessionCode()
		if !ValidSessionCode(code) {
			t.Fatalf("generated invalid code: %q", code)
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Error("expected generated codes to vary")
	}
}

func TestValidSessionCode(t *testing.T) {
	valid := []string{"ABC123", "ZZZZZZ", "000000", "A1B2C3"}
	for _, code := range valid {
		if !ValidSessionCode(code) {
			t.Errorf("expected %q to be valid", code)
		}
	}

	invalid := []string{"", "ABC12", "ABC1234", "abc123", "ABC 12", "ABC-12", "ÀBC123"}
	for _, code := range invalid {
		if ValidSessionCode(code) {
			t.Errorf("expected %q to be invalid", code)
		}
	}
}
