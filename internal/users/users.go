// Package users parses the line-oriented users file: one username:hash
// record per line, with comments and blank lines kept in place.
//
//	# comment
//	alice:$2a$10$...             bcrypt password hash
//	bot:$sha256$<64 hex>         SHA-256 of an API token
//	ci:$token$<raw>              raw token, hashed on load
//	bob:$password$<raw>          raw password, bcrypt-hashed on load
package users

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/authkeep/internal/errors"
	"github.com/alexjbarnes/authkeep/internal/hasher"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	sha256Prefix   = "$sha256$"
	tokenPrefix    = "$token$"
	passwordPrefix = "$password$"

	// generatedTokenBytes and generatedPasswordBytes size auto-generated
	// secrets (hex-encoded to twice this length).
	generatedTokenBytes    = 16
	generatedPasswordBytes = 12
)

var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

// HashType says how a record's secret is stored.
type HashType int

const (
	// HashNone marks a comment or blank line.
	HashNone HashType = iota
	HashBcrypt
	HashSHA256
)

func (h HashType) String() string {
	switch h {
	case HashBcrypt:
		return "bcrypt"
	case HashSHA256:
		return "sha256"
	default:
		return "none"
	}
}

// Record is one line of a users file.
type Record struct {
	Username string
	HashType HashType
	// HashCode is the bcrypt hash or the lowercase SHA-256 hex digest.
	HashCode string
	// Generated holds a secret created on load for an empty $token$ or
	// $password$ directive. It is the only place the plaintext appears.
	Generated string
	// Raw is the original text of a comment or blank line.
	Raw string

	// token is the raw token of a $token$ directive, kept so Line can
	// write the directive back unchanged.
	token string
}

// IsCredential reports whether the record holds a user credential.
func (r *Record) IsCredential() bool {
	return r.HashType != HashNone
}

// Line renders the record as it should be written back to the file.
// $token$ directives keep their raw token; $password$ directives are
// replaced by the bcrypt hash.
func (r *Record) Line() string {
	switch {
	case r.HashType == HashNone:
		return r.Raw
	case r.token != "":
		return r.Username + ":" + tokenPrefix + r.token
	default:
		return r.SecureLine()
	}
}

// SecureLine renders the record with no recoverable secret, or "" for
// non-credential records.
func (r *Record) SecureLine() string {
	switch r.HashType {
	case HashBcrypt:
		return r.Username + ":" + r.HashCode
	case HashSHA256:
		return r.Username + ":" + sha256Prefix + r.HashCode
	default:
		return ""
	}
}

// ParseError reports the line of a users file that failed to parse.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Options controls parsing.
type Options struct {
	// AutoGenerate fills empty $token$ and $password$ directives with a
	// random secret instead of rejecting them.
	AutoGenerate bool
	// BcryptCost overrides hasher.DefaultCost for $password$ directives.
	BcryptCost int
}

// File is a parsed users file. It is immutable after Parse.
//
// A username may appear on several lines, for example once with a
// password and once with an API token. Lookup returns the first record;
// Authenticate accepts a secret matching any of them.
type File struct {
	records []*Record
	byUser  map[string][]*Record
	byHash  map[string]*Record
}

// Load reads and parses a users file.
func Load(path string, opts Options) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}

	f, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("parsing users file %s: %w", path, err)
	}

	return f, nil
}

// Parse builds a File. Any malformed line or duplicate hash fails the
// whole parse.
func Parse(data []byte, opts Options) (*File, error) {
	f := &File{
		byUser: make(map[string][]*Record),
		byHash: make(map[string]*Record),
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0

	for sc.Scan() {
		lineNo++

		rec, err := parseLine(strings.TrimSuffix(sc.Text(), "\r"), opts)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Err: err}
		}

		if rec.IsCredential() {
			if owner, dup := f.byHash[rec.HashCode]; dup {
				return nil, &ParseError{Line: lineNo, Err: fmt.Errorf("%w: %q shares a hash with %q", apperrors.ErrDuplicateHash, rec.Username, owner.Username)}
			}

			f.byUser[rec.Username] = append(f.byUser[rec.Username], rec)
			f.byHash[rec.HashCode] = rec
		}

		f.records = append(f.records, rec)
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning users file: %w", err)
	}

	return f, nil
}

func parseLine(line string, opts Options) (*Record, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return &Record{HashType: HashNone, Raw: line}, nil
	}

	username, secret, ok := strings.Cut(trimmed, ":")
	if !ok {
		return nil, fmt.Errorf("%w: expected username:hash", apperrors.ErrMalformedRecord)
	}

	username = norm.NFC.String(strings.TrimSpace(username))
	if username == "" || strings.ContainsAny(username, " \t\x00") {
		return nil, fmt.Errorf("%w: invalid username", apperrors.ErrMalformedRecord)
	}

	rec := &Record{Username: username}

	switch {
	case hasBcryptPrefix(secret):
		if _, err := bcrypt.Cost([]byte(secret)); err != nil {
			return nil, fmt.Errorf("%w: invalid bcrypt hash: %w", apperrors.ErrMalformedRecord, err)
		}

		rec.HashType = HashBcrypt
		rec.HashCode = secret

	case strings.HasPrefix(secret, sha256Prefix):
		digest := strings.ToLower(strings.TrimPrefix(secret, sha256Prefix))
		if b, err := hex.DecodeString(digest); err != nil || len(b) != 32 {
			return nil, fmt.Errorf("%w: sha256 hash must be 64 hex characters", apperrors.ErrMalformedRecord)
		}

		rec.HashType = HashSHA256
		rec.HashCode = digest

	case strings.HasPrefix(secret, tokenPrefix):
		raw := strings.TrimPrefix(secret, tokenPrefix)
		if raw == "" && opts.AutoGenerate {
			raw = hasher.RandomHex(generatedTokenBytes)
			rec.Generated = raw
		}

		h, err := hasher.HashToken(raw)
		if err != nil {
			return nil, err
		}

		rec.HashType = HashSHA256
		rec.HashCode = h
		rec.token = raw

	case strings.HasPrefix(secret, passwordPrefix):
		raw := strings.TrimPrefix(secret, passwordPrefix)
		if raw == "" && opts.AutoGenerate {
			raw = hasher.RandomHex(generatedPasswordBytes)
			rec.Generated = raw
		}

		cost := opts.BcryptCost
		if cost == 0 {
			cost = hasher.DefaultCost
		}

		h, err := hasher.HashPasswordCost(raw, cost)
		if err != nil {
			return nil, err
		}

		rec.HashType = HashBcrypt
		rec.HashCode = h

	default:
		return nil, fmt.Errorf("%w: unrecognized hash format", apperrors.ErrMalformedRecord)
	}

	return rec, nil
}

func hasBcryptPrefix(s string) bool {
	for _, p := range bcryptPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Records returns every record, comments included, in file order.
func (f *File) Records() []*Record {
	return f.records
}

// Len returns the number of credential records.
func (f *File) Len() int {
	return len(f.byHash)
}

// Lookup returns the first credential record for username.
func (f *File) Lookup(username string) (*Record, bool) {
	recs := f.byUser[norm.NFC.String(username)]
	if len(recs) == 0 {
		return nil, false
	}
	return recs[0], true
}

// Lines renders the whole file for writing back, comments included.
func (f *File) Lines() []string {
	out := make([]string, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r.Line())
	}
	return out
}

// SecureLines renders only credential records, hashed, in file order.
func (f *File) SecureLines() []string {
	out := make([]string, 0, len(f.byHash))
	for _, r := range f.records {
		if r.IsCredential() {
			out = append(out, r.SecureLine())
		}
	}
	return out
}

// Generated returns the records whose secret was created during the
// parse, in file order.
func (f *File) Generated() []*Record {
	var out []*Record
	for _, r := range f.records {
		if r.Generated != "" {
			out = append(out, r)
		}
	}
	return out
}

// UsernameForTokenHash maps a SHA-256 token hash back to its owner.
func (f *File) UsernameForTokenHash(hash string) (string, bool) {
	r, ok := f.byHash[strings.ToLower(hash)]
	if !ok || r.HashType != HashSHA256 {
		return "", false
	}

	return r.Username, true
}

// dummyHash keeps the cost of a miss close to a bcrypt comparison.
var dummyHash = sync.OnceValue(func() string {
	h, err := hasher.HashPassword("authkeep-dummy-password")
	if err != nil {
		panic(err)
	}
	return h
})

// Authenticate checks a password (bcrypt records) or a raw token
// (sha256 records) against every record of username.
func (f *File) Authenticate(username, secret string) bool {
	recs := f.byUser[norm.NFC.String(username)]
	if len(recs) == 0 {
		hasher.VerifyPassword(secret, dummyHash())
		return false
	}

	for _, r := range recs {
		if r.matches(secret) {
			return true
		}
	}

	return false
}

func (r *Record) matches(secret string) bool {
	switch r.HashType {
	case HashBcrypt:
		return hasher.VerifyPassword(secret, r.HashCode)
	case HashSHA256:
		h, err := hasher.HashToken(secret)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(h), []byte(r.HashCode)) == 1
	default:
		return false
	}
}
