package habitkit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRegisterAndLogin(t *testing.T) {
	remote := NewMemoryRemoteStore()
	accounts := NewAccountService(remote, time.Second)
	ctx := context.Background()

	userID, err := accounts.Register(ctx, "ada@example.com", "hunter2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if userID == "" {
		t.Fatal("expected a user id")
	}

	gotID, ok, err := accounts.Login(ctx, "ada@example.com", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !ok || gotID != userID {
		t.Errorf("expected successful login as %s, got ok=%v id=%s", userID, ok, gotID)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	remote := NewMemoryRemoteStore()
	accounts := NewAccountService(remote, time.Second)
	ctx := context.Background()

	if _, err := accounts.Register(ctx, "ada@example.com", "hunter2"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := accounts.Register(ctx, "ada@example.com", "other")
	if !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	remote := NewMemoryRemoteStore()
	accounts := NewAccountService(remote, time.Second)
	ctx := context.Background()

	if _, err := accounts.Register(ctx, "ada@example.com", "hunter2"); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, ok, err := accounts.Login(ctx, "ada@example.com", "wrong")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if ok {
		t.Errorf("expected failed authentication")
	}

	_, ok, err = accounts.Login(ctx, "nobody@example.com", "hunter2")
	if err != nil || ok {
		t.Errorf("unknown email must fail cleanly, got ok=%v err=%v", ok, err)
	}
}

func TestLoginSurfacesRemoteErrors(t *testing.T) {
	remote := NewMemoryRemoteStore()
	accounts := NewAccountService(remote, time.Second)
	ctx := context.Background()

	remote.SetFailure(func(op, collection, id string) error {
		return fmt.Errorf("%w: down", ErrRemoteUnavailable)
	})

	_, _, err := accounts.Login(ctx, "ada@example.com", "hunter2")
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("account operations have no offline fallback, expected remote error, got %v", err)
	}
}

func TestRegisterRejectsEmptyCredentials(t *testing.T) {
	accounts := NewAccountService(NewMemoryRemoteStore(), time.Second)
	if _, err := accounts.Register(context.Background(), "", "pw"); !errors.Is(err, ErrRemoteRejected) {
		t.Errorf("expected rejection for empty email, got %v", err)
	}
	if _, err := accounts.Register(context.Background(), "a@b.c", ""); !errors.Is(err, ErrRemoteRejected) {
		t.Errorf("expected rejection for empty password, got %v", err)
	}
}

func TestPasswordsNeverStoredInPlaintext(t *testing.T) {
	remote := NewMemoryRemoteStore()
	accounts := NewAccountService(remote, time.Second)
	ctx := context.Background()

	userID, err := accounts.Register(ctx, "ada@example.com", "hunter2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	doc, err := remote.GetDocument(ctx, collUsers, userID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	hash, _ := doc["passwordHash"].(string)
	if hash == "" || hash == "hunter2" {
		t.Errorf("expected salted hash, got %q", hash)
	}
	if salt, _ := doc["salt"].(string); salt == "" {
		t.Errorf("expected stored salt")
	}
}
