package exclude

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	list := []string{"example.com", "intranet.local"}

	require.True(t, Match(list, "example.com", ""))
	require.True(t, Match(list, "cdn.other.net", "intranet.local"))
	require.False(t, Match(list, "www.example.com", ""))
	require.False(t, Match(list, "other.org", "sub.intranet.local"))
	require.False(t, Match(nil, "example.com", "example.com"))
}

func TestFilterDisabledNeverBypasses(t *testing.T) {
	f := NewFilter()
	require.False(t, f.Bypass("example.com", ""))

	f.Update(false, []string{"example.com"})
	require.False(t, f.Bypass("example.com", ""))
}

func TestFilterUpdate(t *testing.T) {
	f := NewFilter()
	list := []string{"example.com"}
	f.Update(true, list)

	require.True(t, f.Bypass("example.com", ""))
	require.False(t, f.Bypass("mullvad.net", ""))

	// the filter keeps its own copy
	list[0] = "changed.com"
	require.True(t, f.Bypass("example.com", ""))

	f.Update(true, nil)
	require.False(t, f.Bypass("example.com", ""))
}
