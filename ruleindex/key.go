package ruleindex

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/personium/personium-core-sub028/errors"
)

// Entity type names appearing in keys
const (
	EntityRule = "Rule"
	EntityBox  = "Box"
)

// key properties
const (
	propName    = "Name"
	propBoxName = "_Box.Name"
)

// EntityKey is one Type(...) segment of an OData key path
type EntityKey struct {
	Type    string
	Name    string
	BoxName string
}

var segmentPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)\((.*)\)$`)

// ParseKeyPath parses paths such as
//
//	Rule('r')
//	Rule(Name='r',_Box.Name='b')
//	Box('b')/$links/Rule('r')
//	Box('b')/_Rule('r')
//
// Segments without a key, like $links or a bare navigation property, are skipped. A
// leading underscore on a keyed navigation segment is dropped, so _Rule('r') is a Rule.
func ParseKeyPath(s string) ([]EntityKey, error) {
	segments, err := splitPath(s)
	if err != nil {
		return nil, malformed(s, "%v", err)
	}
	var keys []EntityKey
	for _, seg := range segments {
		if !strings.Contains(seg, "(") {
			continue
		}
		m := segmentPattern.FindStringSubmatch(seg)
		if m == nil {
			return nil, malformed(s, "segment %q", seg)
		}
		k, err := parseKeyBody(strings.TrimPrefix(m[1], "_"), m[2])
		if err != nil {
			return nil, malformed(s, "%v", err)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, malformed(s, "no keyed segment")
	}
	return keys, nil
}

// ParseRuleKey returns the name and box name of the Rule in a key path. A box name given
// by a separate Box segment applies when the Rule segment has none.
func ParseRuleKey(s string) (name, boxName string, err error) {
	keys, err := ParseKeyPath(s)
	if err != nil {
		return "", "", err
	}
	var rule, box *EntityKey
	for i := range keys {
		switch keys[i].Type {
		case EntityRule:
			rule = &keys[i]
		case EntityBox:
			box = &keys[i]
		}
	}
	if rule == nil {
		return "", "", malformed(s, "no Rule segment")
	}
	boxName = rule.BoxName
	if boxName == "" && box != nil {
		boxName = box.Name
	}
	return rule.Name, boxName, nil
}

// ParseBoxKey returns the box name of the Box segment in a key path
func ParseBoxKey(s string) (string, error) {
	keys, err := ParseKeyPath(s)
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		if k.Type == EntityBox {
			return k.Name, nil
		}
	}
	return "", malformed(s, "no Box segment")
}

func malformed(s, format string, args ...any) error {
	return errors.WrapInvalid(errors.ErrMalformedKey, "ruleindex", "ParseKeyPath",
		fmt.Sprintf("parse %q: %s", s, fmt.Sprintf(format, args...)))
}

// splitPath splits on '/' outside quotes
func splitPath(s string) ([]string, error) {
	var (
		parts   []string
		cur     strings.Builder
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == '/' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote")
	}
	parts = append(parts, cur.String())
	return parts, nil
}

func parseKeyBody(typ, body string) (EntityKey, error) {
	k := EntityKey{Type: typ}
	body = strings.TrimSpace(body)
	if body == "" {
		return k, fmt.Errorf("empty key")
	}

	if body[0] == '\'' {
		v, rest, err := readQuoted(body)
		if err != nil {
			return k, err
		}
		if strings.TrimSpace(rest) != "" {
			return k, fmt.Errorf("trailing input %q", rest)
		}
		k.Name = v
		return k, nil
	}

	for body != "" {
		name, rest, ok := strings.Cut(body, "=")
		if !ok {
			return k, fmt.Errorf("expected name=value in %q", body)
		}
		name = strings.TrimSpace(name)
		rest = strings.TrimSpace(rest)

		var value string
		switch {
		case strings.HasPrefix(rest, "'"):
			v, r, err := readQuoted(rest)
			if err != nil {
				return k, err
			}
			value, rest = v, r
		case strings.HasPrefix(rest, "null"):
			rest = rest[len("null"):]
		default:
			return k, fmt.Errorf("unquoted value for %s", name)
		}

		switch name {
		case propName:
			k.Name = value
		case propBoxName:
			k.BoxName = value
		default:
			return k, fmt.Errorf("unknown key property %s", name)
		}

		rest = strings.TrimSpace(rest)
		if rest == "" {
			break
		}
		if rest[0] != ',' {
			return k, fmt.Errorf("expected ',' before %q", rest)
		}
		body = strings.TrimSpace(rest[1:])
		if body == "" {
			return k, fmt.Errorf("dangling ','")
		}
	}
	if k.Name == "" {
		return k, fmt.Errorf("missing Name")
	}
	return k, nil
}

// readQuoted reads a single quoted OData string literal where '' escapes a quote
func readQuoted(s string) (value, rest string, err error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		if s[i] != '\'' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '\'' {
			b.WriteByte('\'')
			i++
			continue
		}
		return b.String(), s[i+1:], nil
	}
	return "", "", fmt.Errorf("unterminated string literal")
}
