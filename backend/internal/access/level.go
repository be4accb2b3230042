// Package access decides what a user may do with a document.
package access

import (
	"fmt"
	"strings"
)

type Level int

const (
	None Level = iota
	Read
	Write
	Owner
)

var levelNames = [...]string{"none", "read", "write", "owner"}

func (l Level) String() string {
	if l < None || l > Owner {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

func (l Level) CanRead() bool  { return l >= Read }
func (l Level) CanWrite() bool { return l >= Write }

func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return None, fmt.Errorf("%w: unknown level %q", ErrInvalidGrant, s)
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
