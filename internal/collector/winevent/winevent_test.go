package winevent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectEventsMockModeReturnsCatalogOnce(t *testing.T) {
	s := New(Config{Servers: []Server{{Hostname: "host1"}}, Channels: []string{"Security"}}, nil)
	require.True(t, s.mockMode)
	require.NoError(t, s.Initialize(context.Background()))

	events, err := s.CollectEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2) // 4624 + 4625 are the only Security-channel entries

	events, err = s.CollectEvents(context.Background())
	require.NoError(t, err)
	require.Empty(t, events, "bookmark should prevent replaying already-seen events")
}

func TestResetBookmarksReplaysEvents(t *testing.T) {
	s := New(Config{Servers: []Server{{Hostname: "host1"}}, Channels: []string{"System"}}, nil)
	require.NoError(t, s.Initialize(context.Background()))

	first, err := s.CollectEvents(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, first)

	s.ResetBookmarks()

	second, err := s.CollectEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
}

func TestBookmarkStatusReflectsProgress(t *testing.T) {
	s := New(Config{Servers: []Server{{Hostname: "host1"}}, Channels: []string{"Security"}}, nil)
	require.NoError(t, s.Initialize(context.Background()))
	_, err := s.CollectEvents(context.Background())
	require.NoError(t, err)

	status := s.BookmarkStatus()
	require.Equal(t, int64(2), status["host1/Security"])
}
