package auth

import (
	"errors"
	"fmt"
)

type (
	InvalidUsername struct {
		Username string
	}
)

var (
	// ErrRejected covers every credential failure. Callers must not be able
	// to tell an unknown key from a wrong one.
	ErrRejected = errors.New("invalid credentials")

	ErrUnauthenticated = errors.New("not authenticated")

	ErrUsernameTaken = errors.New("username already exists")
)

func (i InvalidUsername) Error() string {
	return fmt.Sprintf("username %q must have between %v and %v letters, digits, '-' or '_'", i.Username, minUsername, maxUsername)
}
