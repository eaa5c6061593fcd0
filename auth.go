package habitkit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32
	saltLen          = 16
)

// AccountService handles registration and login against the remote store.
// Unlike entity sync, accounts need a definitive remote answer: there is no
// offline fallback, and "no user found" is a legitimate negative result,
// not a connectivity condition. Passwords are stored as salted PBKDF2
// hashes, never as plaintext.
type AccountService struct {
	remote  RemoteStore
	timeout time.Duration
}

// NewAccountService creates an account service over the remote store.
func NewAccountService(remote RemoteStore, timeout time.Duration) *AccountService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AccountService{remote: remote, timeout: timeout}
}

// Register creates a new account and returns its user id. Returns
// ErrUserExists when the email is already registered.
func (a *AccountService) Register(ctx context.Context, email, password string) (string, error) {
	if email == "" || password == "" {
		return "", fmt.Errorf("%w: email and password required", ErrRemoteRejected)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	existing, err := a.findByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", ErrUserExists
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}

	profile := UserProfile{
		UserID:       uuid.NewString(),
		Email:        email,
		PasswordHash: hashPassword(password, salt),
		Salt:         hex.EncodeToString(salt),
		CreatedAt:    time.Now().UTC(),
	}

	payload, err := encodeEntity(profile, profile.UserID)
	if err != nil {
		return "", err
	}
	if err := a.remote.SetDocument(ctx, collUsers, profile.UserID, payload); err != nil {
		return "", err
	}
	return profile.UserID, nil
}

// Login verifies credentials. The boolean reports authentication success;
// an error means the remote store could not be consulted at all.
func (a *AccountService) Login(ctx context.Context, email, password string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	profile, err := a.findByEmail(ctx, email)
	if err != nil {
		return "", false, err
	}
	if profile == nil {
		return "", false, nil
	}

	salt, err := hex.DecodeString(profile.Salt)
	if err != nil {
		return "", false, nil
	}
	expected := []byte(profile.PasswordHash)
	actual := []byte(hashPassword(password, salt))
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return "", false, nil
	}
	return profile.UserID, true, nil
}

func (a *AccountService) findByEmail(ctx context.Context, email string) (*UserProfile, error) {
	docs, err := a.remote.QueryDocuments(ctx, collUsers,
		[]Predicate{{Field: "email", Op: "==", Value: email}}, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return decodeDocument[UserProfile](docs[0])
}

func hashPassword(password string, salt []byte) string {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return hex.EncodeToString(key)
}
