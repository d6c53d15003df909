package store

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/crypto"
)

func TestRegisterAndUnlockUser(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	dek := testKey(t)

	if err := s.RegisterUser(ctx, "owner", "ws-test", "correct horse", dek); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}

	got, err := s.UnlockUser(ctx, "owner", "correct horse")
	if err != nil {
		t.Fatalf("UnlockUser() error = %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Error("UnlockUser() returned a different key than was registered")
	}
}

func TestUnlockUserWrongPassword(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.RegisterUser(ctx, "owner", "ws-test", "correct horse", testKey(t)); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}

	_, err := s.UnlockUser(ctx, "owner", "battery staple")
	if !errors.Is(err, crypto.ErrKeyMismatch) {
		t.Errorf("UnlockUser() with wrong password error = %v, want ErrKeyMismatch", err)
	}
}

func TestUnlockUserUnknown(t *testing.T) {
	s, _, _ := setupTestStore(t)

	_, err := s.UnlockUser(context.Background(), "nobody", "whatever")
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("UnlockUser() for unknown user error = %v, want ErrUserNotFound", err)
	}
}

func TestMultipleUsersShareDEK(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	dek := testKey(t)

	if err := s.RegisterUser(ctx, "owner", "ws-test", "owner pass", dek); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}
	if err := s.RegisterUser(ctx, "cashier", "ws-test", "cashier pass", dek); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}

	got, err := s.UnlockUser(ctx, "cashier", "cashier pass")
	if err != nil {
		t.Fatalf("UnlockUser() error = %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Error("second user does not unwrap the same workspace key")
	}
}

func TestChangePassword(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	dek := testKey(t)
	if err := s.RegisterUser(ctx, "owner", "ws-test", "old pass", dek); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}

	if err := s.ChangePassword(ctx, "owner", "old pass", "new pass"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}

	if _, err := s.UnlockUser(ctx, "owner", "old pass"); !errors.Is(err, crypto.ErrKeyMismatch) {
		t.Errorf("old password still unlocks: error = %v", err)
	}

	got, err := s.UnlockUser(ctx, "owner", "new pass")
	if err != nil {
		t.Fatalf("UnlockUser() with new password error = %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Error("DEK changed across a password change")
	}
}

func TestChangePasswordWrongOldPassword(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	dek := testKey(t)
	if err := s.RegisterUser(ctx, "owner", "ws-test", "old pass", dek); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}

	err := s.ChangePassword(ctx, "owner", "wrong", "new pass")
	if !errors.Is(err, crypto.ErrKeyMismatch) {
		t.Errorf("ChangePassword() with wrong old password error = %v, want ErrKeyMismatch", err)
	}

	// The stored pair is untouched after the failed attempt
	got, err := s.UnlockUser(ctx, "owner", "old pass")
	if err != nil {
		t.Fatalf("UnlockUser() error = %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Error("failed password change altered the stored key")
	}
}

func TestRecoverAccess(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	dek := testKey(t)
	if err := s.RegisterUser(ctx, "owner", "ws-test", "forgotten", dek); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}

	recoveryKey := crypto.ExportRecoveryKey(dek)

	if err := s.RecoverAccess(ctx, "owner", recoveryKey, "fresh pass"); err != nil {
		t.Fatalf("RecoverAccess() error = %v", err)
	}

	got, err := s.UnlockUser(ctx, "owner", "fresh pass")
	if err != nil {
		t.Fatalf("UnlockUser() after recovery error = %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Error("recovery re-wrapped a different key")
	}
}

func TestRecoverAccessBadKey(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.RegisterUser(ctx, "owner", "ws-test", "pass", testKey(t)); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}

	if err := s.RecoverAccess(ctx, "owner", "not-a-recovery-key", "new pass"); err == nil {
		t.Error("RecoverAccess() with a malformed key should fail")
	}
}

func TestUserWorkspace(t *testing.T) {
	s, _, _ := setupTestStore(t)
	ctx := context.Background()

	if err := s.RegisterUser(ctx, "owner", "ws-test", "pass", testKey(t)); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}

	ws, err := s.UserWorkspace(ctx, "owner")
	if err != nil {
		t.Fatalf("UserWorkspace() error = %v", err)
	}
	if ws != "ws-test" {
		t.Errorf("UserWorkspace() = %s, want ws-test", ws)
	}
}
