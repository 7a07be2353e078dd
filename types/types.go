package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net"
)

// IPNet is net.IPNet with the implementation of the Valuer and Scanner interface.
type IPNet net.IPNet

// Value implements the database/sql/driver Valuer interface.
func (i IPNet) Value() (driver.Value, error) {
	return driver.Value(i.String()), nil
}

// Scan implements the database/sql Scanner interface.
func (i *IPNet) Scan(src interface{}) error {
	var ipNet *IPNet
	var err error
	switch src := src.(type) {
	case string:
		ipNet, err = ParseCIDR(src)
	case []uint8:
		ipNet, err = ParseCIDR(fmt.Sprintf("%s", src))
	default:
		return fmt.Errorf("incompatible type for IPNet: %T", src)
	}
	if err != nil {
		return err
	}
	*i = *ipNet
	return nil
}

func (i *IPNet) String() string {
	ipNet := net.IPNet(*i)
	return ipNet.String()
}

// MarshalYAML is
func (i IPNet) MarshalYAML() (interface{}, error) {
	return i.String(), nil
}

// UnmarshalYAML is
func (i *IPNet) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var buff string
	if err := unmarshal(&buff); err != nil {
		return err
	}
	tmp, err := ParseCIDR(buff)
	if err != nil {
		return fmt.Errorf("failed to unmarshal IPNet: input=\"%s\"", buff)
	}
	*i = *tmp
	return nil
}

// IP is net.IP with the implementation of the Valuer and Scanner interface.
type IP net.IP

// Value implements the database/sql/driver Valuer interface.
func (i IP) Value() (driver.Value, error) {
	return driver.Value(i.String()), nil
}

// Scan implements the database/sql Scanner interface.
func (i *IP) Scan(src interface{}) error {
	var ip *IP
	var err error
	switch src := src.(type) {
	case nil:
		ip = nil
	case string:
		ip, err = ParseIP(src)
	case []uint8:
		ip, err = ParseIP(fmt.Sprintf("%s", src))
	default:
		return fmt.Errorf("incompatible type for IP: %T", src)
	}
	if err != nil {
		return err
	}
	*i = *ip
	return nil
}

func (i IP) String() string {
	return net.IP(i).String()
}

// MarshalYAML is
func (i IP) MarshalYAML() (interface{}, error) {
	return i.String(), nil
}

// UnmarshalYAML is
func (i *IP) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var buff string
	if err := unmarshal(&buff); err != nil {
		return err
	}
	tmp, err := ParseIP(buff)
	if err != nil {
		return fmt.Errorf("failed to unmarshal IP: input=\"%s\"", buff)
	}
	*i = *tmp
	return nil
}

// Groups is a set of group names stored as a JSON array column.
type Groups []string

// Value implements the database/sql/driver Valuer interface.
func (g Groups) Value() (driver.Value, error) {
	buf, err := json.Marshal([]string(g))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal groups: %w", err)
	}
	return driver.Value(string(buf)), nil
}

// Scan implements the database/sql Scanner interface.
func (g *Groups) Scan(src interface{}) error {
	var buf []byte
	switch src := src.(type) {
	case string:
		buf = []byte(src)
	case []uint8:
		buf = src
	default:
		return fmt.Errorf("incompatible type for Groups: %T", src)
	}
	var groups []string
	if err := json.Unmarshal(buf, &groups); err != nil {
		return fmt.Errorf("failed to unmarshal groups: %w", err)
	}
	*g = Groups(groups)
	return nil
}

// Contains reports whether name is a member of g.
func (g Groups) Contains(name string) bool {
	for _, group := range g {
		if group == name {
			return true
		}
	}
	return false
}

// ParseCIDR is
func ParseCIDR(s string) (*IPNet, error) {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}
	ipNet := IPNet(*n)
	return &ipNet, nil
}

// ParseIP is
func ParseIP(s string) (*IP, error) {
	i := net.ParseIP(s)
	if i == nil {
		return nil, fmt.Errorf("failed to parse IP: input=\"%s\"", s)
	}
	ip := IP(i)
	return &ip, nil
}
