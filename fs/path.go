package fs

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	maxName      = 8
	maxExtension = 3
)

// Path is an absolute DOS path split into its drive and components.
// Components are upper case and contain no "." or ".." entries.
type Path struct {
	Drive      byte
	Components []string
}

// ParsePath parses raw relative to drive def and the root directory.
// Both '\' and '/' separate components.
func ParsePath(raw string, def byte) (Path, error) {
	p := Path{Drive: upper(def)}

	s := strings.TrimSpace(raw)

	if len(s) >= 2 && s[1] == ':' {
		d := upper(s[0])
		if d < 'A' || d > 'Z' {
			return Path{}, errors.Wrapf(ErrInvalidDrive, "path %q", raw)
		}

		p.Drive = d
		s = s[2:]
	}

	if p.Drive < 'A' || p.Drive > 'Z' {
		return Path{}, errors.Wrapf(ErrInvalidDrive, "path %q", raw)
	}

	s = strings.ReplaceAll(s, "/", `\`)

	for _, part := range strings.Split(s, `\`) {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(p.Components) == 0 {
				return Path{}, errors.Wrapf(ErrPathNotFound, "path %q escapes root", raw)
			}
			p.Components = p.Components[:len(p.Components)-1]
			continue
		}

		name, err := normalizeName(part)
		if err != nil {
			return Path{}, errors.Wrapf(err, "path %q", raw)
		}

		p.Components = append(p.Components, name)
	}

	return p, nil
}

func normalizeName(part string) (string, error) {
	if strings.ContainsAny(part, `<>|"?*:+=;,[]`) {
		return "", ErrInvalidPath
	}

	name := strings.ToUpper(part)
	base, ext := name, ""

	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}

	if base == "" || len(base) > maxName || len(ext) > maxExtension || strings.Contains(base, ".") {
		return "", ErrInvalidPath
	}

	return name, nil
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}

	return b
}

func (p Path) IsRoot() bool {
	return len(p.Components) == 0
}

// Base is the final component, or "" for the root.
func (p Path) Base() string {
	if p.IsRoot() {
		return ""
	}

	return p.Components[len(p.Components)-1]
}

// Slash renders the components with '/' separators and no drive, the
// form host backed drivers use.
func (p Path) Slash() string {
	return strings.Join(p.Components, "/")
}

func (p Path) String() string {
	return string([]byte{p.Drive, ':', '\\'}) + strings.Join(p.Components, `\`)
}
