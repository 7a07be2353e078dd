package allocator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"regexp"
	"strings"
)

const (
	// Below this many usable addresses a sequential scan from a random
	// start is used; it finds a free address whenever one exists even at
	// high utilization. At or above it, random probing is cheaper and the
	// collision probability is negligible.
	sequentialThreshold = 100000

	// Probe bound for the random strategy.
	randomProbes = 100

	maxPrefixLength = 63
)

var (
	// ErrExhausted is returned when no free address was found within the
	// probe bound.
	ErrExhausted = errors.New("no available address in subnet")

	// ErrOutOfSubnet is returned for a suggested address outside the subnet.
	ErrOutOfSubnet = errors.New("address is not in subnet")

	// ErrReservedAddress is returned for the network or broadcast address.
	ErrReservedAddress = errors.New("address is reserved")

	// ErrInvalidPrefix is returned for a hostname prefix that does not
	// survive sanitization.
	ErrInvalidPrefix = errors.New("invalid hostname prefix")
)

var prefixCharset = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// AddressBook is the lookup capability the allocator needs: which
// addresses are already leased. The datastore implements it.
type AddressBook interface {
	// Addresses returns every leased address keyed by its string form.
	Addresses(ctx context.Context) (map[string]struct{}, error)
	// InUse reports whether a single address is leased.
	InUse(ctx context.Context, ip net.IP) (bool, error)
}

// Allocator produces candidate addresses and hostnames for one subnet.
// It performs no I/O of its own; uniqueness is ultimately enforced by the
// lease store's constraints.
type Allocator struct {
	network   *net.IPNet
	first     *big.Int
	usable    *big.Int
	addrBytes int
	v4        bool
	suffixLen int
}

// New is
func New(network *net.IPNet, suffixLen int) (*Allocator, error) {
	if network == nil {
		return nil, fmt.Errorf("network is required")
	}
	ones, bits := network.Mask.Size()
	if bits-ones < 2 {
		return nil, fmt.Errorf("network %s has no usable addresses", network.String())
	}

	ip := network.IP.To4()
	v4 := ip != nil
	if !v4 {
		ip = network.IP.To16()
	}

	total := new(big.Int).Lsh(big.NewInt(1), uint(bits-ones))
	// First and last addresses of the range are never allocatable.
	usable := new(big.Int).Sub(total, big.NewInt(2))

	return &Allocator{
		network:   network,
		first:     new(big.Int).SetBytes(ip),
		usable:    usable,
		addrBytes: len(ip),
		v4:        v4,
		suffixLen: suffixLen,
	}, nil
}

// Usable returns the number of allocatable addresses in the subnet.
func (a *Allocator) Usable() *big.Int {
	return new(big.Int).Set(a.usable)
}

// Allocate returns an address from the subnet that book does not report as
// leased, or ErrExhausted. Small subnets are scanned sequentially from a
// random start so a single pass finds a free address whenever one exists;
// large subnets are probed randomly a bounded number of times.
func (a *Allocator) Allocate(ctx context.Context, book AddressBook) (net.IP, error) {
	if a.usable.IsInt64() && a.usable.Int64() < sequentialThreshold {
		return a.allocateSequential(ctx, book)
	}
	return a.allocateRandom(ctx, book)
}

func (a *Allocator) allocateSequential(ctx context.Context, book AddressBook) (net.IP, error) {
	used, err := book.Addresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list leased addresses: %w", err)
	}

	hosts := a.usable.Int64()
	start, err := rand.Int(rand.Reader, a.usable)
	if err != nil {
		return nil, fmt.Errorf("failed to pick random offset: %w", err)
	}

	for i := int64(0); i < hosts; i++ {
		offset := (start.Int64() + i) % hosts
		candidate := a.addressAt(big.NewInt(offset))
		if _, ok := used[candidate.String()]; !ok {
			return candidate, nil
		}
	}

	return nil, fmt.Errorf("%w: all %d addresses of %s allocated", ErrExhausted, hosts, a.network.String())
}

func (a *Allocator) allocateRandom(ctx context.Context, book AddressBook) (net.IP, error) {
	for i := 0; i < randomProbes; i++ {
		offset, err := rand.Int(rand.Reader, a.usable)
		if err != nil {
			return nil, fmt.Errorf("failed to pick random offset: %w", err)
		}
		candidate := a.addressAt(offset)
		inUse, err := book.InUse(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("failed to check address %s: %w", candidate.String(), err)
		}
		if !inUse {
			return candidate, nil
		}
	}

	return nil, fmt.Errorf("%w: %d random probes in %s all collided", ErrExhausted, randomProbes, a.network.String())
}

// addressAt maps offset in [0, usable) onto the subnet, skipping the
// network address.
func (a *Allocator) addressAt(offset *big.Int) net.IP {
	n := new(big.Int).Add(a.first, big.NewInt(1))
	n.Add(n, offset)
	buf := n.Bytes()
	ip := make(net.IP, a.addrBytes)
	copy(ip[a.addrBytes-len(buf):], buf)
	return ip
}

// ValidateSuggested checks that a caller-suggested address lies within the
// subnet and is neither the network nor the broadcast address. Availability
// is not checked here.
func (a *Allocator) ValidateSuggested(ip net.IP) error {
	if !a.network.Contains(ip) {
		return fmt.Errorf("%w: %s not in %s", ErrOutOfSubnet, ip.String(), a.network.String())
	}
	if ip.Equal(a.network.IP) {
		return fmt.Errorf("%w: %s is the network address", ErrReservedAddress, ip.String())
	}
	if a.v4 && ip.Equal(a.broadcast()) {
		return fmt.Errorf("%w: %s is the broadcast address", ErrReservedAddress, ip.String())
	}
	return nil
}

func (a *Allocator) broadcast() net.IP {
	last := new(big.Int).Add(a.first, a.usable)
	last.Add(last, big.NewInt(1))
	buf := last.Bytes()
	ip := make(net.IP, a.addrBytes)
	copy(ip[a.addrBytes-len(buf):], buf)
	return ip
}

// PrefixLen returns the subnet's prefix length.
func (a *Allocator) PrefixLen() int {
	ones, _ := a.network.Mask.Size()
	return ones
}

// Hostname returns a fresh hostname candidate: the sanitized prefix joined
// to a random hex suffix. Uniqueness is the lease store's problem.
func (a *Allocator) Hostname(prefix string) (string, error) {
	p, err := SanitizePrefix(prefix)
	if err != nil {
		return "", err
	}

	buf := make([]byte, (a.suffixLen+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate hostname suffix: %w", err)
	}
	suffix := hex.EncodeToString(buf)[:a.suffixLen]

	return fmt.Sprintf("%s-%s", p, suffix), nil
}

// SanitizePrefix normalizes a hostname prefix: restricted charset, bounded
// length, repeated hyphens collapsed, leading and trailing hyphens removed.
func SanitizePrefix(prefix string) (string, error) {
	p := strings.TrimSpace(prefix)
	if len(p) > maxPrefixLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidPrefix, maxPrefixLength)
	}
	if !prefixCharset.MatchString(p) {
		return "", fmt.Errorf("%w: may only contain letters, numbers, and hyphens", ErrInvalidPrefix)
	}
	for strings.Contains(p, "--") {
		p = strings.ReplaceAll(p, "--", "-")
	}
	p = strings.Trim(p, "-")
	if p == "" {
		return "", fmt.Errorf("%w: empty after sanitization", ErrInvalidPrefix)
	}
	return p, nil
}
