package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrcsentinel/sentinel/internal/utils"
)

func TestParseIdentifier(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Identifier
	}{
		{name: "user", raw: "usr_abc123", want: Identifier{Raw: "usr_abc123", Kind: IdentifierUser}},
		{name: "user uuid", raw: "usr_c1644b5b-3ca4-45b4-97c6-a2a0de70d469", want: Identifier{Raw: "usr_c1644b5b-3ca4-45b4-97c6-a2a0de70d469", Kind: IdentifierUser}},
		{name: "avatar", raw: "avtr_xyz789", want: Identifier{Raw: "avtr_xyz789", Kind: IdentifierAvatar}},
		{name: "surrounding whitespace", raw: "  usr_abc123\n", want: Identifier{Raw: "usr_abc123", Kind: IdentifierUser}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseIdentifier(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseIdentifierRejects(t *testing.T) {
	for _, raw := range []string{"", "   ", "foo_123", "usr_", "avtr_", "wrld_abc", "usr_abc 123", "USR_abc", "usr_abc;drop"} {
		_, err := ParseIdentifier(raw)
		require.Errorf(t, err, "expected %q to be rejected", raw)
		assert.ErrorIs(t, err, utils.ErrInvalidIdentifier)
		assert.Equal(t, utils.KindInvalidIdentifier, utils.KindOf(err))
	}
}
