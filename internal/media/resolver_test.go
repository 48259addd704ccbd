package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	r, err := NewResolver("https://cdn.example.com/files/")
	require.NoError(t, err)

	tests := []struct {
		cat  Category
		ref  string
		want string
	}{
		{Messages, "2026/03/cat.png", "https://cdn.example.com/files/messages/2026/03/cat.png"},
		{Messages, "/messages/cat.png", "https://cdn.example.com/files/messages/cat.png"},
		{Avatars, "u1.jpg", "https://cdn.example.com/files/avatars/u1.jpg"},
		{Avatars, "https://other.example.com/a.png", "https://other.example.com/a.png"},
		{Messages, "data:image/png;base64,AAAA", "data:image/png;base64,AAAA"},
		{Messages, "  ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Resolve(tt.cat, tt.ref), tt.ref)
	}
}
