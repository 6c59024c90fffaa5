package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMockReplaysScriptInOrder(t *testing.T) {
	mock := NewMock(
		Response{ToolCalls: []ToolCall{{Name: "write_file"}}},
		Response{Message: "done"},
	)

	first, err := mock.Chat(context.Background(), "test-model", []Message{{Role: RoleUser, Content: "go"}}, nil)
	require.NoError(t, err)
	require.Len(t, first.ToolCalls, 1)

	second, err := mock.Chat(context.Background(), "test-model", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "done", second.Message)

	require.Len(t, mock.Requests, 2)
}

func TestMockExhaustedScriptErrors(t *testing.T) {
	mock := NewMock(Response{Message: "only one"})
	_, err := mock.Chat(context.Background(), "m", nil, nil)
	require.NoError(t, err)

	_, err = mock.Chat(context.Background(), "m", nil, nil)
	require.Error(t, err)
}

func TestCachingClientShortCircuitsIdenticalRequests(t *testing.T) {
	mock := NewMock(Response{Message: "first"}, Response{Message: "second"})
	caching := NewCachingClient(mock)

	messages := []Message{{Role: RoleUser, Content: "go"}}

	first, err := caching.Chat(context.Background(), "m", messages, nil)
	require.NoError(t, err)
	require.Equal(t, "first", first.Message)
	require.False(t, first.Cached)

	second, err := caching.Chat(context.Background(), "m", messages, nil)
	require.NoError(t, err)
	require.Equal(t, "first", second.Message, "identical request must hit the cache, not the second scripted response")
	require.True(t, second.Cached)

	require.Len(t, mock.Requests, 1, "cache hit must not call through to the inner client")
}

func TestCachingClientDistinguishesDifferentRequests(t *testing.T) {
	mock := NewMock(Response{Message: "first"}, Response{Message: "second"})
	caching := NewCachingClient(mock)

	_, err := caching.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "a"}}, nil)
	require.NoError(t, err)
	_, err = caching.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "b"}}, nil)
	require.NoError(t, err)

	require.Len(t, mock.Requests, 2)
}
