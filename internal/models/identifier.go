package models

import (
	"regexp"
	"strings"

	"github.com/vrcsentinel/sentinel/internal/utils"
)

// IdentifierKind distinguishes the two analysable subject types.
type IdentifierKind string

const (
	IdentifierUser   IdentifierKind = "user"
	IdentifierAvatar IdentifierKind = "avatar"
)

var identifierSchemes = []struct {
	kind    IdentifierKind
	pattern *regexp.Regexp
}{
	{IdentifierUser, regexp.MustCompile(`^usr_[A-Za-z0-9-]+$`)},
	{IdentifierAvatar, regexp.MustCompile(`^avtr_[A-Za-z0-9-]+$`)},
}

// Identifier is a classified VRChat subject id.
type Identifier struct {
	Raw  string
	Kind IdentifierKind
}

func (id Identifier) String() string { return id.Raw }

// ParseIdentifier trims raw and classifies it by prefix.
func ParseIdentifier(raw string) (Identifier, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Identifier{}, utils.NewAppError("models.ParseIdentifier", utils.KindInvalidIdentifier, "identifier is empty", nil)
	}
	for _, scheme := range identifierSchemes {
		if scheme.pattern.MatchString(trimmed) {
			return Identifier{Raw: trimmed, Kind: scheme.kind}, nil
		}
	}
	return Identifier{}, utils.NewAppError("models.ParseIdentifier", utils.KindInvalidIdentifier, "unrecognised identifier scheme", nil)
}
