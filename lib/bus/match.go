package bus

import (
	"fmt"
	"sort"
	"strings"
)

// MatchRule selects messages by header fields. The zero value matches
// everything. Args constrains string body elements by position.
type MatchRule struct {
	Type        Type
	Sender      string
	Interface   string
	Member      string
	Path        ObjectPath
	Destination string
	Args        map[int]string
}

// Validate checks every set field against the D-Bus naming rules.
func (r *MatchRule) Validate() error {
	if r.Sender != "" && !IsValidBusName(r.Sender) {
		return fmt.Errorf("match rule with invalid sender %q", r.Sender)
	}
	if r.Interface != "" && !IsValidInterfaceName(r.Interface) {
		return fmt.Errorf("match rule with invalid interface %q", r.Interface)
	}
	if r.Member != "" && !IsValidMemberName(r.Member) {
		return fmt.Errorf("match rule with invalid member %q", r.Member)
	}
	if r.Path != "" && !r.Path.IsValid() {
		return fmt.Errorf("match rule with invalid path %q", r.Path)
	}
	if r.Destination != "" && !IsValidBusName(r.Destination) {
		return fmt.Errorf("match rule with invalid destination %q", r.Destination)
	}
	for n, value := range r.Args {
		if n < 0 || n > 63 {
			return fmt.Errorf("match rule arg index %d out of range", n)
		}
		if strings.ContainsRune(value, '\'') {
			return fmt.Errorf("match rule arg %d contains a quote", n)
		}
	}
	return nil
}

// String serialises the rule in the grammar the bus daemon accepts for
// AddMatch: comma-separated key='value' pairs.
func (r *MatchRule) String() string {
	var parts []string
	add := func(key, value string) {
		parts = append(parts, key+"='"+value+"'")
	}
	if r.Type != 0 {
		add("type", r.Type.String())
	}
	if r.Sender != "" {
		add("sender", r.Sender)
	}
	if r.Interface != "" {
		add("interface", r.Interface)
	}
	if r.Member != "" {
		add("member", r.Member)
	}
	if r.Path != "" {
		add("path", string(r.Path))
	}
	if r.Destination != "" {
		add("destination", r.Destination)
	}
	if len(r.Args) > 0 {
		indices := make([]int, 0, len(r.Args))
		for n := range r.Args {
			indices = append(indices, n)
		}
		sort.Ints(indices)
		for _, n := range indices {
			add(fmt.Sprintf("arg%d", n), r.Args[n])
		}
	}
	return strings.Join(parts, ",")
}
