package web

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Role is a coarse permission level for analysts.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEngineer Role = "engineer"
	RoleViewer   Role = "viewer"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserDisabled       = errors.New("user account disabled")
	ErrInvalidToken       = errors.New("invalid token")
)

// User is one local account.
type User struct {
	Username     string
	PasswordHash string
	Role         Role
	Enabled      bool
}

// Claims are the JWT claims issued on login.
type Claims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// AuthConfig configures the auth service.
type AuthConfig struct {
	JWTSecret   string
	TokenExpiry time.Duration
}

// AuthService issues and validates JWT tokens against a local user store.
type AuthService struct {
	mu        sync.RWMutex
	config    AuthConfig
	jwtSecret []byte
	users     map[string]*User
}

// NewAuthService creates an auth service with an empty user store.
func NewAuthService(config AuthConfig) *AuthService {
	if config.TokenExpiry == 0 {
		config.TokenExpiry = time.Hour
	}
	return &AuthService{
		config:    config,
		jwtSecret: []byte(config.JWTSecret),
		users:     make(map[string]*User),
	}
}

// AddUser registers a user with a bcrypt-hashed password.
func (s *AuthService) AddUser(username, password string, role Role) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		Enabled:      true,
	}
	return nil
}

// Login checks credentials and returns a signed token.
func (s *AuthService) Login(username, password string) (string, error) {
	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		return "", ErrInvalidCredentials
	}
	if !user.Enabled {
		return "", ErrUserDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	claims := Claims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken verifies a token and returns its username and role.
func (s *AuthService) ValidateToken(tokenString string) (string, Role, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}

	return claims.Username, claims.Role, nil
}
