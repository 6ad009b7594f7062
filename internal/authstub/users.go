package authstub

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/hongminglow/edu-session/internal/models"
)

// ErrNotFound indicates a user does not exist.
var ErrNotFound = errors.New("user not found")

// ErrEmailTaken and ErrUsernameTaken report uniqueness conflicts.
var (
	ErrEmailTaken    = errors.New("email already exists")
	ErrUsernameTaken = errors.New("username already taken")
)

// User is a stub account.
type User struct {
	ID           int64
	Email        string
	Username     string
	FirstName    string
	LastName     string
	Role         string
	ProfileID    *int64
	Active       bool
	PasswordHash string
}

// UserStore keeps accounts in memory.
type UserStore struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]User
}

// NewUserStore returns an empty store.
func NewUserStore() *UserStore {
	return &UserStore{nextID: 1, byID: make(map[int64]User)}
}

// Create hashes password and stores a new active user. Username defaults to
// the local part of the email and role to student.
func (s *UserStore) Create(u User, password string) (User, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return User{}, err
	}
	u.Email = strings.TrimSpace(u.Email)
	if u.Username == "" {
		u.Username, _, _ = strings.Cut(u.Email, "@")
	}
	if u.Role == "" {
		u.Role = models.RoleStudent
	}
	u.PasswordHash = hash
	u.Active = true

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if strings.EqualFold(existing.Email, u.Email) {
			return User{}, ErrEmailTaken
		}
		if existing.Username == u.Username {
			return User{}, ErrUsernameTaken
		}
	}
	u.ID = s.nextID
	s.nextID++
	s.byID[u.ID] = u
	return u, nil
}

// FindByEmail fetches a user by email address.
func (s *UserStore) FindByEmail(email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.byID {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

// FindByID fetches a user by id.
func (s *UserStore) FindByID(id int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// SetActive enables or disables an account.
func (s *UserStore) SetActive(id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	u.Active = active
	s.byID[id] = u
	return nil
}

// CheckPassword reports whether password matches the user's hash.
func (u User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
