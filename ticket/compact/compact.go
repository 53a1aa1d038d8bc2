// Package compact encodes a ticket's full validatable state into a single
// bounded string and reconstructs an equivalent ticket from it, with no store
// lookup. This keeps device-flow and refresh-token issuance working across
// nodes that share no storage.
package compact

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ticketd/ticket"
	"ticketd/ticket/expiration"
)

const (
	// FieldDelimiter separates top-level fields of the encoded form.
	FieldDelimiter = ","
	scopeDelimiter = "|"
	authnDelimiter = ":"
	namesDelimiter = "#"

	// DefaultMaxLength caps the encoded form. Encoding that would exceed the
	// cap fails loudly; it is never truncated.
	DefaultMaxLength = 256

	shortServiceLen = 32
	headerFields    = 4
)

// ErrTooLong reports an encoding that exceeded the configured length limit.
var ErrTooLong = errors.New("compacted ticket exceeds maximum length")

// ErrReservedDelimiter reports a field value that contains one of the wire
// delimiters. Such a value would split or merge fields on expand, so encoding
// refuses it instead of producing a string that cannot round-trip.
var ErrReservedDelimiter = errors.New("ticket field contains a reserved delimiter")

// checkFields rejects any value a delimiter would silently corrupt. Each
// field class reserves only the delimiters that structure it: plain values
// the field delimiter, scopes additionally the scope delimiter, and
// authentication parts the sub-field delimiters.
func checkFields(a ticket.Authentication, scopes []string, values ...string) error {
	reject := func(v, reserved string) error {
		if strings.ContainsAny(v, reserved) {
			return fmt.Errorf("%w: %q", ErrReservedDelimiter, v)
		}
		return nil
	}
	for _, v := range values {
		if err := reject(v, FieldDelimiter); err != nil {
			return err
		}
	}
	for _, v := range scopes {
		if err := reject(v, FieldDelimiter+scopeDelimiter); err != nil {
			return err
		}
	}
	authnReserved := FieldDelimiter + authnDelimiter + namesDelimiter
	for _, group := range [][]string{a.Handlers, a.CredentialTypes, {a.PrincipalID}} {
		for _, v := range group {
			if err := reject(v, authnReserved); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseError reports a malformed compacted ticket. Decoding never silently
// defaults a field.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse compacted ticket: %s: %s", e.Field, e.Reason)
}

// Wire ordinals for grant and response types. These mappings are the wire
// format: they are fixed here, independent of any declaration order, and
// existing values must never be renumbered.
var grantTypeOrdinals = map[ticket.GrantType]int{
	ticket.GrantAuthorizationCode: 0,
	ticket.GrantRefreshToken:      1,
	ticket.GrantClientCredentials: 2,
	ticket.GrantDeviceCode:        3,
	ticket.GrantCiba:              4,
}

var responseTypeOrdinals = map[ticket.ResponseType]int{
	ticket.ResponseUnspecified: 0,
	ticket.ResponseCode:        1,
	ticket.ResponseToken:       2,
	ticket.ResponseDeviceCode:  3,
	ticket.ResponseIDToken:     4,
}

var grantTypeByOrdinal = invert(grantTypeOrdinals)
var responseTypeByOrdinal = invert(responseTypeOrdinals)

func invert[T comparable](in map[T]int) map[int]T {
	out := make(map[int]T, len(in))
	for k, v := range in {
		out[v] = k
	}
	return out
}

// header is the leading field group shared by every ticket kind.
type header struct {
	Kind      ticket.Kind
	Service   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (h header) encode(b *strings.Builder) {
	b.WriteString(string(h.Kind))
	b.WriteString(FieldDelimiter)
	b.WriteString(shortenService(h.Service))
	b.WriteString(FieldDelimiter)
	b.WriteString(strconv.FormatInt(h.CreatedAt.Unix(), 10))
	b.WriteString(FieldDelimiter)
	b.WriteString(strconv.FormatInt(h.ExpiresAt.Unix(), 10))
}

func decodeHeader(fields []string, want ticket.Kind) (header, error) {
	if len(fields) < headerFields {
		return header{}, &ParseError{Field: "header", Reason: fmt.Sprintf("expected at least %d fields, got %d", headerFields, len(fields))}
	}
	if fields[0] != string(want) {
		return header{}, &ParseError{Field: "prefix", Reason: fmt.Sprintf("expected %s, got %q", want, fields[0])}
	}
	created, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return header{}, &ParseError{Field: "creation time", Reason: "not a unix timestamp: " + fields[2]}
	}
	expires, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return header{}, &ParseError{Field: "expiration time", Reason: "not a unix timestamp: " + fields[3]}
	}
	return header{
		Kind:      want,
		Service:   fields[1],
		CreatedAt: time.Unix(created, 0).UTC(),
		ExpiresAt: time.Unix(expires, 0).UTC(),
	}, nil
}

// shortenService strips the URL scheme and truncates the relying-party
// identifier so long service URLs do not blow the length limit. The
// shortened form is what round-trips; the full URL is not recoverable.
func shortenService(service string) string {
	s := strings.TrimPrefix(service, "https://")
	s = strings.TrimPrefix(s, "http://")
	if len(s) > shortServiceLen {
		s = s[:shortServiceLen]
	}
	return s
}

// encodeAuthentication folds the authentication result into the sub-field
// form principal:handler#handler:credType#credType.
func encodeAuthentication(a ticket.Authentication) string {
	return a.PrincipalID + authnDelimiter +
		strings.Join(a.Handlers, namesDelimiter) + authnDelimiter +
		strings.Join(a.CredentialTypes, namesDelimiter)
}

func decodeAuthentication(field string) (ticket.Authentication, error) {
	parts := strings.Split(field, authnDelimiter)
	if len(parts) != 3 {
		return ticket.Authentication{}, &ParseError{Field: "authentication", Reason: fmt.Sprintf("expected 3 segments, got %d", len(parts))}
	}
	return ticket.Authentication{
		PrincipalID:     parts[0],
		Handlers:        splitNames(parts[1]),
		CredentialTypes: splitNames(parts[2]),
	}, nil
}

func splitNames(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, namesDelimiter)
}

func encodeScopes(scopes []string) string {
	return strings.Join(scopes, scopeDelimiter)
}

func decodeScopes(field string) []string {
	if field == "" {
		return nil
	}
	return strings.Split(field, scopeDelimiter)
}

func encodeGrantType(g ticket.GrantType) (string, error) {
	ord, ok := grantTypeOrdinals[g]
	if !ok {
		return "", fmt.Errorf("grant type %q has no wire ordinal", g)
	}
	return strconv.Itoa(ord), nil
}

func decodeGrantType(field string) (ticket.GrantType, error) {
	ord, err := strconv.Atoi(field)
	if err != nil {
		return "", &ParseError{Field: "grant type", Reason: "not an ordinal: " + field}
	}
	g, ok := grantTypeByOrdinal[ord]
	if !ok {
		return "", &ParseError{Field: "grant type", Reason: fmt.Sprintf("unknown ordinal %d", ord)}
	}
	return g, nil
}

func encodeResponseType(r ticket.ResponseType) (string, error) {
	ord, ok := responseTypeOrdinals[r]
	if !ok {
		return "", fmt.Errorf("response type %q has no wire ordinal", r)
	}
	return strconv.Itoa(ord), nil
}

func decodeResponseType(field string) (ticket.ResponseType, error) {
	ord, err := strconv.Atoi(field)
	if err != nil {
		return "", &ParseError{Field: "response type", Reason: "not an ordinal: " + field}
	}
	r, ok := responseTypeByOrdinal[ord]
	if !ok {
		return "", &ParseError{Field: "response type", Reason: fmt.Sprintf("unknown ordinal %d", ord)}
	}
	return r, nil
}

// expandedState rebuilds ticket state pinned to the encoded header: the
// decoded ticket carries the frozen absolute timestamps and a fixed-instant
// policy, never the original duration math.
func expandedState(kind ticket.Kind, h header) (ticket.State, expiration.FixedInstant) {
	s := ticket.NewState(kind, h.CreatedAt)
	return s, expiration.FixedInstant{ExpiresAt: h.ExpiresAt}
}

func checkLength(encoded string, max int) (string, error) {
	if max <= 0 {
		max = DefaultMaxLength
	}
	if len(encoded) > max {
		return "", fmt.Errorf("%w: %d > %d", ErrTooLong, len(encoded), max)
	}
	return encoded, nil
}
