package channel

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNameIsOrderIndependent(t *testing.T) {
	require.Equal(t, "chat:u1:u2", Name("u2", "u1"))
	require.Equal(t, "chat:u1:u2", Name("u1", "u2"))

	pairs := [][2]string{
		{"a", "b"},
		{"5d05addc-8e42-4fdc-8994-8323b116f91c", "c81ecbb6-ac62-4e5b-b3ad-71890f3ec22a"},
		{"consultor_10", "consultor_3"},
		{"same", "same"},
	}
	for _, p := range pairs {
		require.Equal(t, Name(p[0], p[1]), Name(p[1], p[0]))
	}
}

func TestParseRoundTrip(t *testing.T) {
	pairs := [][2]string{
		{"u2", "u1"},
		{"b", "a"},
		{"c81ecbb6-ac62-4e5b-b3ad-71890f3ec22a", "5d05addc-8e42-4fdc-8994-8323b116f91c"},
	}
	for _, p := range pairs {
		a, b, err := Parse(Name(p[0], p[1]))
		require.NoError(t, err)
		lo, hi := p[0], p[1]
		if hi < lo {
			lo, hi = hi, lo
		}
		require.Equal(t, lo, a)
		require.Equal(t, hi, b)
	}

	a, b, err := Parse("chat:u1:u2")
	require.NoError(t, err)
	require.Equal(t, "u1", a)
	require.Equal(t, "u2", b)
}

func TestParseRejectsMalformedNames(t *testing.T) {
	for _, name := range []string{
		"bad:x",
		"",
		"chat",
		"chat:u1",
		"chat:u1:u2:u3",
		"room:u1:u2",
		"CHAT:u1:u2",
		"chat::u2",
		"chat:u1:",
	} {
		_, _, err := Parse(name)
		require.True(t, errors.Is(err, ErrInvalidChannel), "name %q", name)
	}
}

func TestIsMemberAndCounterpart(t *testing.T) {
	name := Name("client-9", "consultant-1")

	require.True(t, IsMember("client-9", name))
	require.True(t, IsMember("consultant-1", name))
	require.False(t, IsMember("intruder", name))
	require.False(t, IsMember("client-9", "bad:x"))
	require.False(t, IsMember("", name))

	other, err := Counterpart("client-9", name)
	require.NoError(t, err)
	require.Equal(t, "consultant-1", other)

	_, err = Counterpart("intruder", name)
	require.Error(t, err)
}

func TestGrantConsultant(t *testing.T) {
	capability := Grant("c1", true)

	require.True(t, capability.Allows("chat:*:c1", Publish))
	require.True(t, capability.Allows("chat:*:c1", Subscribe))
	require.True(t, capability.Allows("chat:c1:*", Subscribe))
	require.Len(t, capability, 2)
	require.Equal(t, []string{"chat:*:c1", "chat:c1:*"}, UserPatterns("c1", true))
}

func TestGrantClient(t *testing.T) {
	capability := Grant("u7", false)

	require.Equal(t, []Operation{Publish, Subscribe}, capability["chat:u7:*"])
	require.True(t, capability.Allows("chat:*:u7", Publish))
	require.False(t, capability.Allows("chat:*:other", Publish))
	require.Len(t, capability, 2)

	raw, err := capability.JSON()
	require.NoError(t, err)
	var decoded map[string][]string
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	require.Equal(t, []string{"publish", "subscribe"}, decoded["chat:u7:*"])
}

func TestGrantCoversEveryChannelOfUser(t *testing.T) {
	// whichever side of the sort the user lands on, one pattern matches
	for _, other := range []string{"0000", "zzzz"} {
		name := Name("mmmm", other)
		a, b, err := Parse(name)
		require.NoError(t, err)
		covered := false
		for _, pattern := range UserPatterns("mmmm", false) {
			if pattern == "chat:"+a+":*" || pattern == "chat:*:"+b {
				covered = true
			}
		}
		require.True(t, covered, name)
	}
}
