package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/crypto"
)

// RegisterUser wraps the workspace DEK under a key derived from the user's
// password and stores the keyring row. Several users of one workspace each
// hold their own wrapped copy of the same DEK.
func (s *Store) RegisterUser(ctx context.Context, username, workspaceID, password string, dek []byte) error {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}

	kek, err := crypto.DeriveKey(password, salt)
	if err != nil {
		return err
	}

	wrapped, err := crypto.WrapKey(dek, kek)
	if err != nil {
		return err
	}

	key := &UserKey{
		Username:    username,
		WorkspaceID: workspaceID,
		Salt:        salt,
		WrappedDEK:  wrapped,
	}
	if err := s.db.CreateUserKey(ctx, key); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"username":  username,
		"workspace": workspaceID,
	}).Info("registered user key")

	return nil
}

// UnlockUser derives the user's KEK and unwraps their copy of the workspace
// DEK. A wrong password surfaces as crypto.ErrKeyMismatch; it is never
// retried with a different key.
func (s *Store) UnlockUser(ctx context.Context, username, password string) ([]byte, error) {
	key, err := s.db.GetUserKey(ctx, username)
	if err != nil {
		return nil, err
	}

	kek, err := crypto.DeriveKey(password, key.Salt)
	if err != nil {
		return nil, err
	}

	dek, err := crypto.UnwrapKey(key.WrappedDEK, kek)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock %s: %w", username, err)
	}

	return dek, nil
}

// ChangePassword re-wraps the user's DEK under a KEK derived from the new
// password and a fresh salt. If the old password is wrong the unwrap fails
// and nothing is persisted; the (salt, wrapped_dek) replacement itself is a
// single atomic update.
func (s *Store) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	key, err := s.db.GetUserKey(ctx, username)
	if err != nil {
		return err
	}

	oldKEK, err := crypto.DeriveKey(oldPassword, key.Salt)
	if err != nil {
		return err
	}

	salt, wrapped, err := crypto.Rewrap(key.WrappedDEK, oldKEK, newPassword)
	if err != nil {
		return err
	}

	return s.db.ReplaceUserKey(ctx, username, salt, wrapped)
}

// RecoverAccess re-establishes a user's access from the workspace recovery
// key: the imported DEK is wrapped under a KEK derived from the new
// password, replacing the stored pair atomically.
func (s *Store) RecoverAccess(ctx context.Context, username, recoveryKey, newPassword string) error {
	if _, err := s.db.GetUserKey(ctx, username); err != nil {
		return err
	}

	dek, err := crypto.ImportRecoveryKey(recoveryKey)
	if err != nil {
		return err
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}

	kek, err := crypto.DeriveKey(newPassword, salt)
	if err != nil {
		return err
	}

	wrapped, err := crypto.WrapKey(dek, kek)
	if err != nil {
		return err
	}

	return s.db.ReplaceUserKey(ctx, username, salt, wrapped)
}

// UserWorkspace returns the workspace a username is registered in.
func (s *Store) UserWorkspace(ctx context.Context, username string) (string, error) {
	key, err := s.db.GetUserKey(ctx, username)
	if err != nil {
		return "", err
	}

	return key.WorkspaceID, nil
}
