package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultErr(t *testing.T) {
	t.Parallel()

	require.NoError(t, Result{Succeeded: true, Message: "ok"}.Err())

	err := Result{Kind: KindTimedOut, Stage: StageBookmark, Message: "Web request timed out."}.Err()
	require.EqualError(t, err, "Web request timed out.")
	require.ErrorIs(t, err, ErrTimedOut)
	require.NotErrorIs(t, err, ErrConnectionFailed)

	var failure *Failure
	require.True(t, errors.As(err, &failure))
	require.Equal(t, StageBookmark, failure.Stage)
}

func TestResultPair(t *testing.T) {
	t.Parallel()

	ok, msg := Result{Succeeded: true, Message: "done"}.Pair()
	require.True(t, ok)
	require.Equal(t, "done", msg)
}

func TestResultJSON(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Result{
		Kind:    KindUpstreamRejected,
		Stage:   StageWayback,
		Message: "nope",
		URL:     "https://example.com",
	})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"succeeded": false,
		"kind": "upstream_rejected",
		"stage": "wayback",
		"message": "nope",
		"url": "https://example.com",
		"bookmarked": false
	}`, string(raw))
}

func TestErrorKindString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "missing_redirect", KindMissingRedirect.String())
	require.Equal(t, "kind(42)", ErrorKind(42).String())
}

func TestTriggerContext(t *testing.T) {
	t.Parallel()

	require.Equal(t, Trigger(""), TriggerFrom(context.Background()))
	ctx := WithTrigger(context.Background(), TriggerAuto)
	require.Equal(t, TriggerAuto, TriggerFrom(ctx))
}
