// Package parser turns one raw enrollment request line into a validated,
// fully materialized types.EnrollmentIntent before any KeyStore mutation
// is attempted, so a later stage never needs to re-read the wire buffer.
//
// The wire grammar is literal, not invented: an optional password line
// followed by exactly one
//
//	OSSEC A:'<name>'[ G:'<groups>'][ IP:'<ip-or-src>']
//
// request line.
package parser

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/enrolld/pkg/types"
)

// Kind classifies a parse/validation failure so callers can branch on it
// instead of matching the rendered message.
type Kind string

const (
	KindMalformed    Kind = "malformed"
	KindMissingName  Kind = "missing_name"
	KindInvalidIP    Kind = "invalid_ip"
	KindInvalidGroup Kind = "invalid_group"
	KindBadPassword  Kind = "bad_password"
)

// Error is the typed error returned by Parse. Reason is the exact string
// the dispatcher sends back on the wire.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func fail(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// maxNameLen bounds agent and group name length so a single malicious
// line cannot grow the KeyStore's name index unreasonably.
const maxNameLen = 128

const (
	prefixPass = "OSSEC PASS:"
	prefixA    = "OSSEC A:"
)

var validNameChars = func() [256]bool {
	var table [256]bool
	for c := 'a'; c <= 'z'; c++ {
		table[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		table[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		table[c] = true
	}
	for _, c := range []byte("-_.") {
		table[c] = true
	}
	return table
}()

func validName(name string) bool {
	if name == "" || len(name) > maxNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !validNameChars[name[i]] {
			return false
		}
	}
	return true
}

// Request is the raw, still-untrusted request bytes lifted off the wire
// by the TLS Listener before Parse runs.
type Request struct {
	Line       string
	RemoteAddr string
	PeerCertCN string
}

// Options configures policy the wire grammar itself doesn't carry:
// whether a shared password is required, and where to look up whether a
// requested group actually exists.
type Options struct {
	// Password, when non-empty, must match the request's "OSSEC PASS:"
	// line. Empty disables the check entirely.
	Password string
	// GroupsDir, when non-empty, must contain one subdirectory per group
	// named in the request. Empty disables the existence check.
	GroupsDir string
	// MaxGroups bounds how many groups a single request may name, counted
	// before deduplication. Zero falls back to a conservative built-in limit.
	MaxGroups int
}

const defaultMaxGroups = 32

// Intent is an alias for types.EnrollmentIntent, kept local so callers in
// this package read naturally as parser.Intent.
type Intent = types.EnrollmentIntent

// Parse validates req against the literal OSSEC enrollment grammar and
// materializes an EnrollmentIntent. All fields are copied out of req.Line
// up front: nothing downstream re-parses the wire buffer.
func Parse(req Request, opts Options) (Intent, error) {
	body := strings.TrimRight(req.Line, "\r\n\x00")

	hasPass, password, rest := splitPassword(body)
	switch {
	case opts.Password != "":
		if !hasPass || password != opts.Password {
			return Intent{}, fail(KindBadPassword, "wrong password")
		}
		body = rest
	case hasPass:
		// No password configured: tolerate an agent that sends one
		// anyway rather than rejecting it as malformed.
		body = rest
	}
	body = strings.TrimSpace(body)

	if !strings.HasPrefix(body, prefixA) {
		return Intent{}, fail(KindMalformed, "malformed request")
	}
	rem := strings.TrimSpace(body[len(prefixA):])

	name, rem, ok := scanQuoted(rem)
	if !ok || !validName(name) {
		return Intent{}, fail(KindMissingName, "invalid or missing agent name")
	}

	var rawGroups string
	var rawIP string
	haveGroups, haveIP := false, false

	for {
		rem = strings.TrimSpace(rem)
		if rem == "" {
			break
		}
		switch {
		case strings.HasPrefix(rem, "G:"):
			if haveGroups {
				return Intent{}, fail(KindMalformed, "duplicate G: token")
			}
			var v string
			v, rem, ok = scanQuoted(rem[len("G:"):])
			if !ok {
				return Intent{}, fail(KindMalformed, "malformed G: token")
			}
			rawGroups = v
			haveGroups = true
		case strings.HasPrefix(rem, "IP:"):
			if haveIP {
				return Intent{}, fail(KindMalformed, "duplicate IP: token")
			}
			var v string
			v, rem, ok = scanQuoted(rem[len("IP:"):])
			if !ok {
				return Intent{}, fail(KindMalformed, "malformed IP: token")
			}
			rawIP = v
			haveIP = true
		default:
			return Intent{}, fail(KindMalformed, "unexpected token in request: %q", rem)
		}
	}

	maxGroups := opts.MaxGroups
	if maxGroups <= 0 {
		maxGroups = defaultMaxGroups
	}
	groups, err := parseGroups(rawGroups, opts.GroupsDir, maxGroups)
	if err != nil {
		return Intent{}, err
	}

	ip, err := resolveIP(rawIP, req.RemoteAddr)
	if err != nil {
		return Intent{}, err
	}

	return Intent{
		Name:       name,
		IP:         ip,
		Groups:     groups,
		RemoteAddr: req.RemoteAddr,
		PeerCertCN: req.PeerCertCN,
	}, nil
}

// splitPassword peels an optional "OSSEC PASS: <password>" line off the
// front of body. The password line is newline-terminated, since the
// dispatcher now reads the whole request in one shot rather than one
// line at a time.
func splitPassword(body string) (hasPass bool, password, rest string) {
	if !strings.HasPrefix(body, prefixPass) {
		return false, "", body
	}
	after := body[len(prefixPass):]
	idx := strings.IndexByte(after, '\n')
	if idx < 0 {
		return true, strings.TrimSpace(after), ""
	}
	return true, strings.TrimSpace(after[:idx]), strings.TrimSpace(after[idx+1:])
}

// scanQuoted reads a single '...'-delimited value off the front of s
// (after skipping leading whitespace) and returns the value plus
// whatever follows the closing quote.
func scanQuoted(s string) (value, rest string, ok bool) {
	s = strings.TrimSpace(s)
	if len(s) == 0 || s[0] != '\'' {
		return "", s, false
	}
	end := strings.IndexByte(s[1:], '\'')
	if end < 0 {
		return "", s, false
	}
	return s[1 : 1+end], s[1+end+1:], true
}

// parseGroups splits, validates, and order-preserving-dedups a raw
// comma-separated group list, rejecting anything over maxGroups (the
// caller's configured MaxGroupsPerMultigroup), and (when groupsDir is
// set) any group without a matching subdirectory proving it actually
// exists.
func parseGroups(raw, groupsDir string, maxGroups int) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) > maxGroups {
		return nil, fail(KindInvalidGroup, "too many groups: %d", len(parts))
	}

	seen := make(map[string]bool, len(parts))
	var out []string
	for _, g := range parts {
		g = strings.TrimSpace(g)
		if !validName(g) {
			return nil, fail(KindInvalidGroup, "invalid group name: %s", g)
		}
		if seen[g] {
			continue
		}
		seen[g] = true
		if groupsDir != "" {
			if _, err := os.Stat(filepath.Join(groupsDir, g)); err != nil {
				return nil, fail(KindInvalidGroup, "unknown group: %s", g)
			}
		}
		out = append(out, g)
	}
	return out, nil
}

// resolveIP interprets the IP: token, including the literal "src" value
// that substitutes the connection's own peer address rather than naming
// one explicitly.
func resolveIP(raw, remoteAddr string) (net.IP, error) {
	switch raw {
	case "", "any":
		return nil, nil
	case "src":
		host, _, err := net.SplitHostPort(remoteAddr)
		if err != nil {
			host = remoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fail(KindInvalidIP, "could not resolve source address: %s", remoteAddr)
		}
		return ip, nil
	default:
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fail(KindInvalidIP, "invalid IP address: %s", raw)
		}
		return ip, nil
	}
}
