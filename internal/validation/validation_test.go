package validation

import (
	"testing"
)

func TestIsLikelyZcashAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"t1VJL2dPUyXK7avDRGyhfhZhr8dcAQhY1qm", true},
		{"t3Vz22vK5z2LcKEdg16Yv4FFneEL1zg9ojd", true},
		{"zs1z7rejlpsa98s2rrrfkwmaxu53e4ue0ulcrw0h4x5g8jl04tak0d3mm47vdtahatqrlkngh9sly", true},
		{"u1l8xunezsvhq8fgzfl7404m450nwnd76zshscn6nfys7vyz2ywyh4cc5daaq0c7q2su5lqfh23sp7fkf3kt27ve5948mzpfdvckzaect2jtte308mkwlycj2u0eac077wu70vqcetkxf", true},

		{"", false},
		{"t2aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"0x1234567890123456789012345678901234567890", false},
		{"t1Short", false},
		{"t1contains0OIl!chars_badbadbadbadbad", false},
	}

	for _, tc := range tests {
		if got := IsLikelyZcashAddress(tc.addr); got != tc.valid {
			t.Errorf("IsLikelyZcashAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestIsValidEVMAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},

		{"1234567890123456789012345678901234567890", false},
		{"0x12345678901234567890123456789012345678", false},
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidEVMAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidEVMAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("user_wallet_address", "t1VJL2dPUyXK7avDRGyhfhZhr8dcAQhY1qm"),
		ZcashAddress("user_wallet_address", "t1VJL2dPUyXK7avDRGyhfhZhr8dcAQhY1qm"),
		Amount("requested_amount", "100.00"),
		Rate("rate_per_hour", "10.00"),
		DurationDays("duration_days", 30),
	)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("user_wallet_address", ""),
		Amount("requested_amount", "-5"),
		DurationDays("duration_days", 400),
	)
	if len(errs) != 3 {
		t.Errorf("expected 3 errors, got %d: %v", len(errs), errs)
	}
}

func TestAmountValidator(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"0.00000001", true},
		{"", true}, // empty passes; Required owns presence

		{"abc", false},
		{"-1.00", false},
		{"1.2.3", false},
		{"0", false},
		{"0.000000001", false},
	}

	for _, tc := range tests {
		err := Amount("amount", tc.value)()
		if (err == nil) != tc.valid {
			t.Errorf("Amount(%q) valid=%v, want %v", tc.value, err == nil, tc.valid)
		}
	}
}

func TestSessionCodeValidator(t *testing.T) {
	if err := SessionCode("session_code", "A1B2C3D4E5F6")(); err != nil {
		t.Errorf("valid code rejected: %v", err)
	}
	if err := SessionCode("session_code", "short")(); err == nil {
		t.Error("short code accepted")
	}
	if err := SessionCode("session_code", "a1b2c3d4e5f6")(); err == nil {
		t.Error("lowercase code accepted")
	}
}

func TestDurationDaysValidator(t *testing.T) {
	for _, days := range []int{1, 30, 365} {
		if err := DurationDays("duration_days", days)(); err != nil {
			t.Errorf("DurationDays(%d) rejected: %v", days, err)
		}
	}
	for _, days := range []int{0, -1, 366} {
		if err := DurationDays("duration_days", days)(); err == nil {
			t.Errorf("DurationDays(%d) accepted", days)
		}
	}
}
