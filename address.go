package sbq

import (
	"fmt"
	"net/url"
)

// DefaultBaseAddress is the base used to resolve queue names when no other
// base is configured.
const DefaultBaseAddress = "tcp://localhost:2204"

// Address identifies a queue endpoint, e.g. tcp://localhost:2204/orders.
// The address is stable for the lifetime of a queue.
type Address struct {
	u *url.URL
}

// ParseAddress parses an absolute queue address.
func ParseAddress(s string) (Address, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("parsing queue address %q: %w", s, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Address{}, fmt.Errorf("parsing queue address %q: scheme and host are required", s)
	}
	return Address{u: u}, nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a.u == nil
}

// String returns the address in URL form.
func (a Address) String() string {
	if a.u == nil {
		return ""
	}
	return a.u.String()
}

// Resolve returns the address of the queue called name relative to a.
func (a Address) Resolve(name string) (Address, error) {
	if a.u == nil {
		return Address{}, ErrNilAddress
	}
	ref, err := url.Parse(name)
	if err != nil {
		return Address{}, fmt.Errorf("parsing queue name %q: %w", name, err)
	}
	return Address{u: a.u.ResolveReference(ref)}, nil
}

// ServiceName returns the Service Broker service name of the queue: the
// authority followed by the path and query.
func (a Address) ServiceName() string {
	if a.u == nil {
		return ""
	}
	path := a.u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if a.u.RawQuery != "" {
		path += "?" + a.u.RawQuery
	}
	return a.u.Host + path
}

// Route returns the scheme and authority of the address, which is what the
// store routes on.
func (a Address) Route() string {
	if a.u == nil {
		return ""
	}
	return a.u.Scheme + "://" + a.u.Host
}

// Equal reports whether a and b name the same queue.
func (a Address) Equal(b Address) bool {
	return a.String() == b.String()
}
