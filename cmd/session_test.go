package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/codexd/internal/session"
)

func TestAssess(t *testing.T) {
	ctx := context.Background()
	store, err := session.Open(ctx, ":memory:", session.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	sess, err := store.CreateSession(ctx, "path:/src/widgets")
	require.NoError(t, err)

	var out bytes.Buffer
	assess(ctx, store, sess.ID, "great", &out)
	assert.Contains(t, out.String(), "usage: /assess")

	out.Reset()
	assess(ctx, store, sess.ID, "12", &out)
	assert.Contains(t, out.String(), "rating out of range")

	out.Reset()
	assess(ctx, store, sess.ID, "6 the tests are thin", &out)
	assert.Contains(t, out.String(), "recorded your rating of 6/10")

	loaded, err := store.LoadSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.SelfAssessment)
	assert.Equal(t, 6, loaded.SelfAssessment.Rating)
	assert.Equal(t, "the tests are thin", loaded.SelfAssessment.Reasoning)
}
