package bus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightning-runtime/lightning/runtime/event"
)

func TestFilterDataPath(t *testing.T) {
	evt := event.New("t", map[string]any{"x": 1, "nested": map[string]any{"y": "v"}})

	require.True(t, Filter{"data.x": 1}.Matches(evt))
	require.True(t, Filter{"data.x": float64(1)}.Matches(evt))
	require.False(t, Filter{"data.x": 2}.Matches(evt))
	require.True(t, Filter{"data.nested.y": "v"}.Matches(evt))
	require.False(t, Filter{"data.nested.y.z": "v"}.Matches(evt))
	require.False(t, Filter{"data.missing": 1}.Matches(evt))
}

func TestFilterMetadata(t *testing.T) {
	evt := event.New("t", nil, event.WithMetadata(map[string]any{"userID": "u1"}))

	require.True(t, Filter{"metadata.userID": "u1"}.Matches(evt))
	require.False(t, Filter{"metadata.userID": "u2"}.Matches(evt))
	require.False(t, Filter{"metadata.missing": "u1"}.Matches(evt))

	bare := event.New("t", nil)
	require.False(t, Filter{"metadata.userID": "u1"}.Matches(bare))
}

func TestFilterBareAttributes(t *testing.T) {
	evt := event.New("user.created", nil,
		event.WithID("evt-1"),
		event.WithPriority(event.PriorityHigh),
		event.WithCorrelationID("corr-1"),
	)

	require.True(t, Filter{"event_type": "user.created"}.Matches(evt))
	require.True(t, Filter{"priority": "high"}.Matches(evt))
	require.True(t, Filter{"correlation_id": "corr-1"}.Matches(evt))
	require.False(t, Filter{"event_type": "user.deleted"}.Matches(evt))
	require.False(t, Filter{"unknown_attr": "x"}.Matches(evt))
}

func TestFilterConjunction(t *testing.T) {
	evt := event.New("t", map[string]any{"x": 1}, event.WithMetadata(map[string]any{"userID": "u1"}))

	require.True(t, Filter{"data.x": 1, "metadata.userID": "u1"}.Matches(evt))
	require.False(t, Filter{"data.x": 1, "metadata.userID": "u2"}.Matches(evt))
}

func TestFilterEmptyMatchesEverything(t *testing.T) {
	require.True(t, Filter{}.Matches(event.New("t", nil)))
	require.True(t, Filter(nil).Matches(event.New("t", nil)))
}

func TestCompileExpression(t *testing.T) {
	x, err := CompileExpression(`data.amount > 100 && metadata.userID == "u1"`)
	require.NoError(t, err)

	hit := event.New("t", map[string]any{"amount": 250}, event.WithMetadata(map[string]any{"userID": "u1"}))
	require.True(t, x.Matches(hit))

	low := event.New("t", map[string]any{"amount": 50}, event.WithMetadata(map[string]any{"userID": "u1"}))
	require.False(t, x.Matches(low))
}

func TestCompileExpressionAttributes(t *testing.T) {
	x, err := CompileExpression(`event_type == "user.created" && priority == "high"`)
	require.NoError(t, err)

	require.True(t, x.Matches(event.New("user.created", nil, event.WithPriority(event.PriorityHigh))))
	require.False(t, x.Matches(event.New("user.created", nil)))
}

func TestCompileExpressionError(t *testing.T) {
	_, err := CompileExpression(`data.amount >`)
	require.Error(t, err)
}

func TestExpressionMissingFieldFailsMatch(t *testing.T) {
	x, err := CompileExpression(`data.amount > 100`)
	require.NoError(t, err)
	require.False(t, x.Matches(event.New("t", nil)))
}

func TestOptionsDefaults(t *testing.T) {
	o := Options()
	require.Equal(t, DefaultTopic, o.Topic)
	require.Nil(t, o.Filter)

	o = Options(WithTopic("audit"), WithFilter(map[string]any{"data.x": 1}), WithExpression("true"))
	require.Equal(t, "audit", o.Topic)
	require.Equal(t, Filter{"data.x": 1}, o.Filter)
	require.Equal(t, "true", o.Expression)
}
