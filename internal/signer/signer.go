// Package signer provides Ed25519 signing and verification of master index heads.
package signer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/sumdb/note"
	"golang.org/x/mod/sumdb/tlog"
)

const headPrefix = "condamap index "

var (
	ErrInvalidNote  = errors.New("invalid note format")
	ErrVerifyFailed = errors.New("signature verification failed")
)

// Head is the signed statement about one master index generation.
type Head struct {
	Channel string
	Size    int64
	Hash    tlog.Hash
	Key     string
}

// NewSigner creates a Signer from an encoded signer key.
// The skey must be in the format "PRIVATE+KEY+<name>+<hash>+<keydata>".
func NewSigner(skey string) (note.Signer, error) {
	return note.NewSigner(skey)
}

// NewVerifier creates a Verifier from an encoded verifier key.
// The vkey must be in the format "<name>+<hash>+<keydata>".
func NewVerifier(vkey string) (note.Verifier, error) {
	return note.NewVerifier(vkey)
}

// FormatHead returns the note text for a head:
//
//	condamap index <channel>
//	<size>
//	<base64 tree hash>
//	<generation key>
func FormatHead(h Head) string {
	return fmt.Sprintf("%s%s\n%d\n%s\n%s\n", headPrefix, h.Channel, h.Size, h.Hash, h.Key)
}

// ParseHead parses note text produced by FormatHead.
func ParseHead(text string) (Head, error) {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(lines) != 4 || !strings.HasPrefix(lines[0], headPrefix) {
		return Head{}, ErrInvalidNote
	}

	size, err := strconv.ParseInt(lines[1], 10, 64)
	if err != nil || size < 0 {
		return Head{}, ErrInvalidNote
	}

	hash, err := tlog.ParseHash(lines[2])
	if err != nil {
		return Head{}, ErrInvalidNote
	}

	return Head{
		Channel: strings.TrimPrefix(lines[0], headPrefix),
		Size:    size,
		Hash:    hash,
		Key:     lines[3],
	}, nil
}

// SignHead signs a head and returns the signed note bytes.
func SignHead(signer note.Signer, h Head) ([]byte, error) {
	return note.Sign(&note.Note{Text: FormatHead(h)}, signer)
}

// VerifyHead verifies a signed head and returns the parsed head.
func VerifyHead(verifier note.Verifier, signed []byte) (Head, error) {
	verifiers := note.VerifierList(verifier)
	n, err := note.Open(signed, verifiers)
	if err != nil {
		return Head{}, fmt.Errorf("%w: %w", ErrVerifyFailed, err)
	}

	return ParseHead(n.Text)
}
