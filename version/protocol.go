package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

var (
	ErrInvalidProtocol = errors.New("invalid protocol version")
	ErrNoCommonVersion = errors.New("no protocol version in common with the server")
)

// Protocol is a protocol version such as 12.1.
type Protocol struct {
	Major, Minor int
}

var (
	Protocol25  = Protocol{Major: 2, Minor: 5}
	Protocol120 = Protocol{Major: 12, Minor: 0}
	Protocol121 = Protocol{Major: 12, Minor: 1}
	Protocol140 = Protocol{Major: 14, Minor: 0}
)

// Supported lists the protocol versions the client speaks, oldest first.
var Supported = []Protocol{Protocol25, Protocol120, Protocol121, Protocol140}

func ParseProtocol(s string) (Protocol, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return Protocol{}, fmt.Errorf("%w: %q", ErrInvalidProtocol, s)
	}

	maj, err := strconv.Atoi(major)
	if err != nil {
		return Protocol{}, fmt.Errorf("%w: %q", ErrInvalidProtocol, s)
	}

	mnr, err := strconv.Atoi(minor)
	if err != nil {
		return Protocol{}, fmt.Errorf("%w: %q", ErrInvalidProtocol, s)
	}

	return Protocol{Major: maj, Minor: mnr}, nil
}

// MustParseProtocol is ParseProtocol, except that an unparsable version yields the oldest supported one.
func MustParseProtocol(s string) Protocol {
	p, err := ParseProtocol(s)
	if err != nil {
		return Supported[0]
	}

	return p
}

func (p Protocol) String() string {
	return fmt.Sprintf("%d.%d", p.Major, p.Minor)
}

func (p Protocol) Compare(other Protocol) int {
	switch {
	case p.Major != other.Major:
		return p.Major - other.Major
	default:
		return p.Minor - other.Minor
	}
}

func (p Protocol) AtLeast(other Protocol) bool {
	return p.Compare(other) >= 0
}

// Negotiate picks the highest version present both in the comma separated server list and in Supported.
func Negotiate(serverVersions string) (Protocol, error) {
	var offered []Protocol

	for _, field := range strings.Split(serverVersions, ",") {
		if p, err := ParseProtocol(field); err == nil {
			offered = append(offered, p)
		}
	}

	slices.SortFunc(offered, func(a, b Protocol) int {
		return b.Compare(a)
	})

	for _, p := range offered {
		if slices.Contains(Supported, p) {
			return p, nil
		}
	}

	return Protocol{}, fmt.Errorf("%w: %q", ErrNoCommonVersion, serverVersions)
}
