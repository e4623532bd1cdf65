package config

import (
	"fmt"
	"strings"

	"github.com/basekick-labs/elf/internal/elf"
)

// ParseFieldSpecs turns "name=type" assignments into a field to parser-name map.
// Each spec may itself hold several comma separated assignments.
func ParseFieldSpecs(specs []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, spec := range specs {
		for _, part := range strings.Split(spec, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, typ, ok := strings.Cut(part, "=")
			name = strings.TrimSpace(name)
			typ = strings.TrimSpace(typ)
			if !ok || name == "" || typ == "" {
				return nil, fmt.Errorf("expected name=type, got %q", part)
			}
			out[name] = strings.ToLower(typ)
		}
	}
	return out, nil
}

// ParseDelimiter resolves a delimiter setting. ok is false when data lines
// should be split on whitespace.
func ParseDelimiter(s string) (delim byte, ok bool, err error) {
	switch strings.ToLower(s) {
	case "", "space", "whitespace":
		return 0, false, nil
	case "tab", `\t`:
		return '\t', true, nil
	case "comma":
		return ',', true, nil
	case "pipe":
		return '|', true, nil
	}
	if len(s) != 1 {
		return 0, false, fmt.Errorf("delimiter must be a single byte or one of tab, comma, pipe; got %q", s)
	}
	if s[0] == '"' || s[0] == '\'' {
		return 0, false, fmt.Errorf("quote characters cannot be used as delimiter")
	}
	return s[0], true, nil
}

// ParserOptions builds session options from field assignments and a delimiter setting
func ParserOptions(fields []string, delimiter string) ([]elf.Option, error) {
	var opts []elf.Option

	specs, err := ParseFieldSpecs(fields)
	if err != nil {
		return nil, err
	}
	if len(specs) > 0 {
		parsers, err := elf.ParseFieldParsers(specs)
		if err != nil {
			return nil, err
		}
		opts = append(opts, elf.WithFieldParsers(parsers))
	}

	delim, ok, err := ParseDelimiter(delimiter)
	if err != nil {
		return nil, err
	}
	if ok {
		opts = append(opts, elf.WithDelimiter(delim))
	}
	return opts, nil
}

// Options returns the session options configured under [parser]
func (p *ParserConfig) Options() ([]elf.Option, error) {
	return ParserOptions(p.Fields, p.Delimiter)
}
