package utils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOffgridError_WithDetailsStillMatches(t *testing.T) {
	base := TransientError("peer unreachable")
	detailed := base.WithDetails("dial timeout")

	require.ErrorIs(t, detailed, base)
	require.Equal(t, "", base.Details, "WithDetails must not mutate the sentinel")
	require.Contains(t, detailed.Error(), "dial timeout")

	wrapped := fmt.Errorf("send: %w", detailed)
	require.True(t, IsTransient(wrapped))
	require.False(t, IsMalformed(wrapped))
}

func TestOffgridError_DifferentKindsDoNotMatch(t *testing.T) {
	a := MalformedError("bad record")
	b := StorageError("bad record")
	require.False(t, errors.Is(a, b))
	require.True(t, IsMalformed(a))
	require.True(t, IsStorageError(b))
	require.False(t, IsValidationError(errors.New("plain")))
}

func TestConversationID_Symmetric(t *testing.T) {
	require.Equal(t, ConversationID("userA", "userB"), ConversationID("userB", "userA"))
	require.Equal(t, "userA_userB", ConversationID("userB", "userA"))
	require.NotEqual(t, ConversationID("userA", "userB"), ConversationID("userA", "userC"))
}

func TestHasDIDPrefix(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"did:key:z6Mk", true},
		{"did:peer:12D3", true},
		{"did::x", false},
		{"did:key:", false},
		{"key:z6Mk", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require.Equal(t, tt.want, HasDIDPrefix(tt.in))
		})
	}
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("loud", false, nil)
	require.Error(t, err)
	require.True(t, IsValidationError(err))

	l, err := NewLogger("debug", true, nil)
	require.NoError(t, err)
	require.NotNil(t, l)
}
