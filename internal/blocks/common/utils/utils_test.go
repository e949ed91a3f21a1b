package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalHandle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice.bsky.social", "alice.bsky.social"},
		{"  @Alice.BSKY.social. ", "alice.bsky.social"},
		{"xn--mnchen-3ya.example", "münchen.example"},
		{"", ""},
		{"not a handle", "not a handle"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalHandle(tt.in), "CanonicalHandle(%q)", tt.in)
	}
}

func TestFoldText(t *testing.T) {
	assert.Equal(t, "bob the builder", FoldText("  Bob The BUILDER "))
}

func TestParseDID(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantMethod string
		wantID     string
		wantErr    bool
	}{
		{name: "plc", in: "did:plc:ewvi7nxzyoun6zhxrhs64oiz", wantMethod: "plc", wantID: "ewvi7nxzyoun6zhxrhs64oiz"},
		{name: "web", in: "did:web:example.com", wantMethod: "web", wantID: "example.com"},
		{name: "missing prefix", in: "plc:abc", wantErr: true},
		{name: "empty id", in: "did:plc:", wantErr: true},
		{name: "uppercase method", in: "did:PLC:abc", wantErr: true},
		{name: "path in id", in: "did:web:example.com/x", wantErr: true},
		{name: "handle", in: "alice.bsky.social", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, id, err := ParseDID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMethod, m)
			assert.Equal(t, tt.wantID, id)
			assert.True(t, IsDID(tt.in))
		})
	}
}

func TestParseATURI(t *testing.T) {
	u, err := ParseATURI("at://did:plc:abc/app.bsky.graph.list/3kxyz")
	require.NoError(t, err)
	assert.Equal(t, ATURI{Authority: "did:plc:abc", Collection: "app.bsky.graph.list", RecordKey: "3kxyz"}, u)
	assert.Equal(t, "at://did:plc:abc/app.bsky.graph.list/3kxyz", u.String())

	u, err = ParseATURI("at://did:plc:abc")
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:abc", u.String())

	for _, bad := range []string{"", "https://x", "at://", "at://did:plc:abc//x", "at://a/b/c/d", "at://did:plc:abc/c?x=1"} {
		_, err := ParseATURI(bad)
		assert.ErrorIs(t, err, ErrInvalidATURI, "ParseATURI(%q)", bad)
	}
}

func TestListCreator(t *testing.T) {
	did, err := ListCreator("at://did:plc:creator/app.bsky.graph.list/abc")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:creator", did)

	_, err = ListCreator("at://alice.bsky.social/app.bsky.graph.list/abc")
	assert.ErrorIs(t, err, ErrInvalidATURI)

	_, err = ListCreator("at://did:plc:creator/app.bsky.graph.list")
	assert.ErrorIs(t, err, ErrInvalidATURI)
}

func TestDedupCapped(t *testing.T) {
	out, truncated := DedupCapped([]string{"a", "b", "a", "", "c"}, 0)
	assert.Equal(t, []string{"a", "b", "c"}, out)
	assert.False(t, truncated)

	out, truncated = DedupCapped([]string{"a", "b", "b", "c", "d"}, 2)
	assert.Equal(t, []string{"a", "b"}, out)
	assert.True(t, truncated)

	out, truncated = DedupCapped([]string{"a", "a", "b"}, 2)
	assert.Equal(t, []string{"a", "b"}, out)
	assert.False(t, truncated)
}
