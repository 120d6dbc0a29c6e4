package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Role is the tier a logical address belongs to.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleSupervisor   Role = "supervisor"
	RoleWorker       Role = "worker"
)

// Address is a logical endpoint of the form "role.name@version",
// e.g. "supervisor.intelligence@1".
type Address struct {
	Role    Role   `json:"role"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// NewAddress builds an address for the given role and name at version 1.
func NewAddress(role Role, name string) Address {
	return Address{Role: role, Name: name, Version: 1}
}

// ParseAddress parses "role.name@version". Version defaults to 1 when the
// "@version" suffix is absent.
func ParseAddress(s string) (Address, error) {
	version := 1
	if at := strings.LastIndexByte(s, '@'); at >= 0 {
		v, err := strconv.Atoi(s[at+1:])
		if err != nil || v < 1 {
			return Address{}, NewError(ErrMalformedMessage, "invalid address version in "+s)
		}
		version = v
		s = s[:at]
	}
	dot := strings.IndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return Address{}, NewError(ErrMalformedMessage, "address must be role.name[@version]")
	}
	return Address{Role: Role(s[:dot]), Name: s[dot+1:], Version: version}, nil
}

// String formats the address as "role.name@version".
func (a Address) String() string {
	return fmt.Sprintf("%s.%s@%d", a.Role, a.Name, a.Version)
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a.Role == "" && a.Name == "" }

// MarshalText implements encoding.TextMarshaler so addresses serialize as
// their string form inside JSON envelopes.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
