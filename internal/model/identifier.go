package model

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/emersion/go-message/mail"
	"golang.org/x/net/idna"
)

// Identifier types understood by this service.
const (
	IdentifierDNS   = "dns"
	IdentifierIP    = "ip"
	IdentifierEmail = "email"
)

// ErrNotDNSIdentifier is returned by Domain when the identifier is not of type "dns".
var ErrNotDNSIdentifier = errors.New("model: expected 'dns' identifier")

// ErrInvalidIdentifier indicates a value that cannot be normalized into an identifier.
var ErrInvalidIdentifier = errors.New("model: invalid identifier value")

// Identifier represents a domain or other identifier in an order.
// It is a plain value: two identifiers are equal when both fields are equal,
// so it can be compared with == and used as a map key.
type Identifier struct {
	Type  string `json:"type"`  // e.g., "dns", "email"
	Value string `json:"value"` // e.g., "example.com", "alexey@example.com"
}

// NewDNSIdentifier creates a DNS identifier. Unicode domains are lower-cased and
// ASCII-compatible encoded.
func NewDNSIdentifier(domain string) (Identifier, error) {
	ace, err := toACE(domain)
	if err != nil {
		return Identifier{}, err
	}
	return Identifier{Type: IdentifierDNS, Value: ace}, nil
}

// NewIPIdentifier creates an IP identifier in canonical textual form.
func NewIPIdentifier(addr netip.Addr) Identifier {
	return Identifier{Type: IdentifierIP, Value: addr.Unmap().String()}
}

// NewEmailIdentifier creates an email identifier. The address may carry a display
// name; only the normalized addr-spec is kept.
func NewEmailIdentifier(address string) (Identifier, error) {
	norm, err := NormalizeAddress(address)
	if err != nil {
		return Identifier{}, err
	}
	return Identifier{Type: IdentifierEmail, Value: norm}, nil
}

// Domain returns the domain name of a DNS identifier.
func (i Identifier) Domain() (string, error) {
	if i.Type != IdentifierDNS {
		return "", fmt.Errorf("%w, but found '%s'", ErrNotDNSIdentifier, i.Type)
	}
	return i.Value, nil
}

func (i Identifier) String() string {
	return i.Type + "=" + i.Value
}

// NormalizeAddress reduces an email address to its addr-spec with the domain part
// lower-cased and ASCII-compatible encoded. The local part is left untouched.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty email address", ErrInvalidIdentifier)
	}
	if strings.ContainsAny(address, "<>\"") {
		parsed, err := mail.ParseAddress(address)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidIdentifier, address, err)
		}
		address = parsed.Address
	}
	at := strings.LastIndexByte(address, '@')
	if at <= 0 || at == len(address)-1 {
		return "", fmt.Errorf("%w: %q is not an email address", ErrInvalidIdentifier, address)
	}
	domain, err := toACE(address[at+1:])
	if err != nil {
		return "", err
	}
	return address[:at] + "@" + domain, nil
}

// toACE lower-cases and IDNA-encodes a domain name.
func toACE(domain string) (string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidIdentifier)
	}
	ace, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidIdentifier, domain, err)
	}
	return ace, nil
}
