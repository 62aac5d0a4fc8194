// Package session defines the short-lived identifiers exchanged between
// endpoints: human-presentable session codes, transfer ids, and client ids.
// All of them are constructed through the factory functions here so that an
// arbitrary string cannot be passed around as an identifier.
package session

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CodeAlphabet excludes visually confusable characters (0/O, 1/I).
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the fixed length of session and peer codes.
const CodeLength = 6

// Code is a short shared secret presented by a connecting endpoint.
type Code string

// TransferID identifies a single file-transfer attempt.
type TransferID string

// ClientID identifies an authenticated endpoint on the relay.
type ClientID string

// NewCode generates a random code from the confusable-free alphabet.
func NewCode() (Code, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session code: %w", err)
	}
	for i, b := range buf {
		buf[i] = CodeAlphabet[int(b)%len(CodeAlphabet)]
	}
	return Code(buf), nil
}

// ParseCode normalizes user input into a Code. Lookup is case-insensitive,
// so lowercase input is accepted and uppercased.
func ParseCode(s string) (Code, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	if len(normalized) != CodeLength {
		return "", fmt.Errorf("session code must be %d characters, got %d", CodeLength, len(normalized))
	}
	for _, r := range normalized {
		if !strings.ContainsRune(CodeAlphabet, r) {
			return "", fmt.Errorf("session code contains invalid character %q", r)
		}
	}
	return Code(normalized), nil
}

// Normalize uppercases a raw code string for case-insensitive lookup.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func (c Code) String() string { return string(c) }

// NewTransferID generates a unique id for one file-transfer attempt.
func NewTransferID() TransferID {
	return TransferID(uuid.NewString())
}

func (id TransferID) String() string { return string(id) }

// NewClientID generates an id for an authenticated relay endpoint.
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

func (id ClientID) String() string { return string(id) }
