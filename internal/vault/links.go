package vault

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// codeSpace is the number of distinct download codes: 000001..999999.
const codeSpace = 999999

type linkTarget struct {
	owner    string
	filename string
}

// Links issues and resolves compact 6-digit download codes. Codes come from
// a cyclic counter, so two live objects can never share a code; when the
// counter wraps onto a still-active code the allocator skips forward to the
// next free one and reports the collision, never silently overwriting.
//
// Revoked codes are kept as tombstones so retrieval can tell "no longer
// available" apart from "never existed". The tombstone set is bounded by
// the code space itself.
type Links struct {
	mu       sync.Mutex
	next     int
	active   map[string]linkTarget
	byObject map[string]string
	revoked  map[string]struct{}
}

// NewLinks creates an empty link resolver.
func NewLinks() *Links {
	return &Links{
		next:     1,
		active:   make(map[string]linkTarget),
		byObject: make(map[string]string),
		revoked:  make(map[string]struct{}),
	}
}

func formatCode(n int) string {
	return fmt.Sprintf("%06d", n)
}

// Issue allocates a code for the object. Issuing for an object that already
// has a code revokes the old one first: one live link per object.
// Returns ErrCodeSpaceExhausted when every code is bound to a live object.
func (l *Links) Issue(owner, filename string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := indexKey(owner, filename)
	if old, ok := l.byObject[key]; ok {
		l.revokeLocked(old)
	}

	start := l.next
	warned := false
	for {
		code := formatCode(l.next)
		l.next++
		if l.next > codeSpace {
			l.next = 1
		}

		if _, used := l.active[code]; !used {
			l.active[code] = linkTarget{owner: owner, filename: filename}
			l.byObject[key] = code
			delete(l.revoked, code)
			return code, nil
		}

		// The counter wrapped onto a live code: more objects active than
		// the allocator was planned for.
		if !warned {
			log.Warn().Str("code", code).Msg("download code still active after counter wrap, skipping")
			warned = true
		}
		if l.next == start {
			return "", ErrCodeSpaceExhausted
		}
	}
}

// Resolve maps a code back to its object. Returns ErrLinkRevoked for codes
// whose object is gone and ErrLinkNotFound for codes never issued.
func (l *Links) Resolve(code string) (owner, filename string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.active[code]; ok {
		return t.owner, t.filename, nil
	}
	if _, ok := l.revoked[code]; ok {
		return "", "", ErrLinkRevoked
	}
	return "", "", ErrLinkNotFound
}

// Revoke removes the mapping for a code. Revoking an unknown code is a
// no-op.
func (l *Links) Revoke(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revokeLocked(code)
}

// RevokeObject removes the object's link, if any, and returns the revoked
// code.
func (l *Links) RevokeObject(owner, filename string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	code, ok := l.byObject[indexKey(owner, filename)]
	if !ok {
		return ""
	}
	l.revokeLocked(code)
	return code
}

// Code returns the live code for an object, if any.
func (l *Links) Code(owner, filename string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	code, ok := l.byObject[indexKey(owner, filename)]
	return code, ok
}

// Active returns the number of live codes.
func (l *Links) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

func (l *Links) revokeLocked(code string) {
	t, ok := l.active[code]
	if !ok {
		return
	}
	delete(l.active, code)
	delete(l.byObject, indexKey(t.owner, t.filename))
	l.revoked[code] = struct{}{}
}
