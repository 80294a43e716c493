package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "Devis client")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Devis client", got.Title)

	missing, err := s.GetConversation(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMessagesOrderedByInsertion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "")
	require.NoError(t, err)

	for _, content := range []string{"premier", "deuxieme", "troisieme"} {
		err := s.AppendMessage(ctx, &StoredMessage{
			ConversationID: conv.ID,
			Role:           "user",
			Content:        content,
		})
		require.NoError(t, err)
	}

	messages, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "premier", messages[0].Content)
	assert.Equal(t, "troisieme", messages[2].Content)
}

func TestPreferencesUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	val, err := s.GetPreference(ctx, "llm_provider")
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, s.SetPreference(ctx, "llm_provider", "anthropic"))
	require.NoError(t, s.SetPreference(ctx, "llm_provider", "ollama"))

	val, err = s.GetPreference(ctx, "llm_provider")
	require.NoError(t, err)
	assert.Equal(t, "ollama", val)

	require.NoError(t, s.DeletePreference(ctx, "llm_provider"))
	val, err = s.GetPreference(ctx, "llm_provider")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestBoardDecisionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &BoardDecision{
		Question:       "Faut-il embaucher un second employe ?",
		OpinionsJSON:   `[{"advisor":"marc","opinion":"oui"}]`,
		SynthesisJSON:  `{"recommendation":"attendez un trimestre","confidence":"medium"}`,
		Confidence:     "medium",
		Recommendation: "attendez un trimestre",
	}
	require.NoError(t, s.SaveBoardDecision(ctx, d))
	require.NotEmpty(t, d.ID)

	got, err := s.GetBoardDecision(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, d.Question, got.Question)
	assert.Equal(t, "medium", got.Confidence)

	list, err := s.ListBoardDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	deleted, err := s.DeleteBoardDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteBoardDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}
