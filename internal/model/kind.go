package model

import "fmt"

// Kind identifies a platform event kind. The set is closed; every switch over
// Kind in this module is exhaustive.
type Kind uint8

// Platform event kinds, in hub registration order.
const (
	KindViewInput Kind = iota + 1
	KindWebPageLoad
	KindActivityLaunch
	KindActivityPause
	KindViewShortClick
	KindViewLongClick
)

// Kinds lists every platform kind in registration order.
var Kinds = []Kind{
	KindViewInput,
	KindWebPageLoad,
	KindActivityLaunch,
	KindActivityPause,
	KindViewShortClick,
	KindViewLongClick,
}

var kindNames = map[Kind]string{
	KindViewInput:      "view_input",
	KindWebPageLoad:    "web_page_load",
	KindActivityLaunch: "activity_launch",
	KindActivityPause:  "activity_pause",
	KindViewShortClick: "view_short_click",
	KindViewLongClick:  "view_long_click",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the registered kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind maps a wire name back to its Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("model: unknown event kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("model: invalid event kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
