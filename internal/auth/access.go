package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Grant is what a valid access code entitles its holder to.
type Grant struct {
	Name  string
	Admin bool
}

// AccessCodes checks login codes: one admin code plus any number of named
// user codes.
type AccessCodes struct {
	adminCode string
	adminName string
	users     map[string]string
}

func NewAccessCodes(adminCode, adminName string, users map[string]string) *AccessCodes {
	cp := make(map[string]string, len(users))
	for code, name := range users {
		cp[code] = name
	}
	return &AccessCodes{adminCode: adminCode, adminName: adminName, users: cp}
}

// Check compares code against every configured code so that the time taken
// does not depend on which one (if any) matched.
func (a *AccessCodes) Check(code string) (Grant, error) {
	if code == "" {
		return Grant{}, ErrInvalidCredentials
	}
	var (
		grant Grant
		found bool
	)
	if a.adminCode != "" && subtle.ConstantTimeCompare([]byte(code), []byte(a.adminCode)) == 1 {
		grant = Grant{Name: a.adminName, Admin: true}
		found = true
	}
	for candidate, name := range a.users {
		if subtle.ConstantTimeCompare([]byte(code), []byte(candidate)) == 1 && !found {
			grant = Grant{Name: name}
			found = true
		}
	}
	if !found {
		return Grant{}, ErrInvalidCredentials
	}
	return grant, nil
}
