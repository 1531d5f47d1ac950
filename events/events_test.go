package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "semreply.opportunity.discovered.acct-1", Subject(TypeOpportunityDiscovered, "acct-1"))
	assert.Equal(t, "semreply.cleanup.completed", Subject(TypeCleanupCompleted, ""))
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TypeResponsePosted, "semreply", ResponsePosted{ResponseID: "r1", PostURL: "https://x"})
	require.NoError(t, err)
	assert.Equal(t, TypeResponsePosted, env.Type)
	assert.Equal(t, "semreply", env.Source)
	assert.False(t, env.Timestamp.IsZero())

	var payload ResponsePosted
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "r1", payload.ResponseID)

	_, err = NewEnvelope("bad", "semreply", make(chan int))
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish(context.Background(), TypeCleanupCompleted, "", CleanupCompleted{}))
}
