package llmstage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

// fakeModel answers with reply, as one message or as chunks.
type fakeModel struct {
	mu     sync.Mutex
	chunks []string
	err    error
	seen   [][]*schema.Message
}

func (f *fakeModel) record(in []*schema.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, in)
}

func (f *fakeModel) Generate(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.record(in)
	if f.err != nil {
		return nil, f.err
	}
	var content string
	for _, c := range f.chunks {
		content += c
	}
	return schema.AssistantMessage(content, nil), nil
}

func (f *fakeModel) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.record(in)
	if f.err != nil {
		return nil, f.err
	}
	msgs := make([]*schema.Message, len(f.chunks))
	for i, c := range f.chunks {
		msgs[i] = schema.AssistantMessage(c, nil)
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func legalState(t *testing.T) state.State {
	t.Helper()
	st, err := state.Initial(state.MustSchema(
		state.Text("query"),
		state.Text("jurisdiction"),
		state.Text("intent"),
		state.List("citations"),
		state.Text("answer"),
	), state.Partial{"query": "Can my landlord keep the deposit?", "jurisdiction": "FI", "citations": []any{"a", "b"}})
	require.NoError(t, err)
	return st
}

func TestTemplate_RendersStateKeys(t *testing.T) {
	msgs, err := Template("You advise on {{jurisdiction}} law.", "Q: {{query}}\nSources: {{citations}}\nIntent: {{intent}}")(legalState(t))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Equal(t, "You advise on FI law.", msgs[0].Content)
	assert.Equal(t, schema.User, msgs[1].Role)
	assert.Equal(t, "Q: Can my landlord keep the deposit?\nSources: [\"a\",\"b\"]\nIntent: ", msgs[1].Content)
}

func TestNew_Generate(t *testing.T) {
	m := &fakeModel{chunks: []string{"  Research\nbecause of deposit rules"}}
	fn := New(m, Template("", "{{query}}"), Label("intent"))

	update, err := fn(context.Background(), legalState(t))
	require.NoError(t, err)
	assert.Equal(t, state.Partial{"intent": "research"}, update)
	require.Len(t, m.seen, 1)
	assert.Equal(t, "Can my landlord keep the deposit?", m.seen[0][0].Content)
}

func TestNew_StreamEmitsProgress(t *testing.T) {
	m := &fakeModel{chunks: []string{"The ", "", "deposit ", "must be returned."}}
	fn := New(m, Template("sys", "{{query}}"), Into("answer"), WithStreaming())

	var tokens []string
	ctx := api.WithProgress(context.Background(), func(tok string) { tokens = append(tokens, tok) })

	update, err := fn(ctx, legalState(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"The ", "deposit ", "must be returned."}, tokens)
	assert.Equal(t, state.Partial{"answer": "The deposit must be returned."}, update)
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("rate limited")

	_, err := New(&fakeModel{err: boom}, Template("", "q"), Into("answer"))(ctx, legalState(t))
	assert.ErrorIs(t, err, boom)
	assert.False(t, api.IsPermanent(err))

	_, err = New(&fakeModel{err: boom}, Template("", "q"), Into("answer"), WithStreaming())(ctx, legalState(t))
	assert.ErrorIs(t, err, boom)

	_, err = New(&fakeModel{chunks: []string{"  "}}, Template("", "q"), Into("answer"))(ctx, legalState(t))
	assert.ErrorIs(t, err, ErrEmptyReply)

	update, err := New(&fakeModel{}, Template("", "q"), Into("answer"), AllowEmptyReply())(ctx, legalState(t))
	require.NoError(t, err)
	assert.Equal(t, state.Partial{"answer": ""}, update)

	badPrompt := func(st state.State) ([]*schema.Message, error) { return nil, errors.New("no template") }
	_, err = New(&fakeModel{}, badPrompt, Into("answer"))(ctx, legalState(t))
	assert.True(t, api.IsPermanent(err))
}

func TestJSON_ParsesFencedObject(t *testing.T) {
	update, err := JSON()(legalState(t), "```json\n{\"intent\": \"draft\", \"citations\": [\"x\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, state.Partial{"intent": "draft", "citations": []any{"x"}}, update)

	_, err = JSON()(legalState(t), "not json")
	assert.Error(t, err)
}
