package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/cog-serve/internal/prediction"
)

func TestDecodeLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		line   string
		source prediction.LogSource
		want   prediction.Event
	}{
		{
			name:   "plain stdout",
			line:   "hello",
			source: prediction.SourceStdout,
			want:   prediction.Log{Message: "hello\n", Source: prediction.SourceStdout},
		},
		{
			name:   "stderr is never an envelope",
			line:   `[coglet] {"type":"done"}`,
			source: prediction.SourceStderr,
			want:   prediction.Log{Message: "[coglet] {\"type\":\"done\"}\n", Source: prediction.SourceStderr},
		},
		{
			name:   "log envelope",
			line:   `[coglet] {"type":"log","message":"step 1\n","source":"stderr"}`,
			source: prediction.SourceStdout,
			want:   prediction.Log{Message: "step 1\n", Source: prediction.SourceStderr},
		},
		{
			name:   "output",
			line:   `[coglet] {"type":"output","value":{"n":1}}`,
			source: prediction.SourceStdout,
			want:   prediction.Output{Value: map[string]any{"n": float64(1)}},
		},
		{
			name:   "done",
			line:   `[coglet] {"type":"done"}`,
			source: prediction.SourceStdout,
			want:   prediction.Done{},
		},
		{
			name:   "failed",
			line:   `[coglet] {"type":"done","error":true,"error_detail":"boom"}`,
			source: prediction.SourceStdout,
			want:   prediction.Done{Error: true, ErrorDetail: "boom"},
		},
		{
			name:   "canceled",
			line:   `[coglet] {"type":"done","canceled":true}`,
			source: prediction.SourceStdout,
			want:   prediction.Done{Canceled: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fr, err := decodeLine(tt.line, tt.source)
			require.NoError(t, err)
			assert.Nil(t, fr.schema)
			assert.Equal(t, tt.want, fr.event)
		})
	}
}

func TestDecodeLineSchema(t *testing.T) {
	t.Parallel()
	fr, err := decodeLine(`[coglet] {"type":"schema","schema":{"openapi":"3.0.2"}}`, prediction.SourceStdout)
	require.NoError(t, err)
	assert.Nil(t, fr.event)
	assert.JSONEq(t, `{"openapi":"3.0.2"}`, string(fr.schema))
}

func TestDecodeLineErrors(t *testing.T) {
	t.Parallel()
	for _, line := range []string{
		`[coglet] not json`,
		`[coglet] {"type":"bogus"}`,
		`[coglet] {"type":"schema"}`,
	} {
		_, err := decodeLine(line, prediction.SourceStdout)
		assert.Error(t, err, line)
	}
}

func TestEncodeRequest(t *testing.T) {
	t.Parallel()
	bs, err := encodeRequest(request{Type: "predict", ID: "p1", Input: map[string]any{"text": "giraffes"}})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"predict","id":"p1","input":{"text":"giraffes"}}`+"\n", string(bs))

	bs, err = encodeRequest(request{Type: "setup"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"setup"}`+"\n", string(bs))
}

func TestMergeEnv(t *testing.T) {
	t.Parallel()
	env := mergeEnv(
		[]string{"A=1", "B=2", "C=x=y"},
		map[string]string{"B": "3", "D": "4"},
		[]string{"A"},
	)
	assert.Equal(t, []string{"B=3", "C=x=y", "D=4"}, env)
}
