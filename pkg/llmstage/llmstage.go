// Package llmstage builds stage functions that call an eino chat model.
package llmstage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/petrijr/stageflow/pkg/api"
	"github.com/petrijr/stageflow/pkg/state"
)

// ErrEmptyReply is returned when the model produced no content.
var ErrEmptyReply = errors.New("llmstage: empty model reply")

// PromptFunc builds the conversation sent to the model from state.
type PromptFunc func(st state.State) ([]*schema.Message, error)

// ParseFunc turns the model's reply into a state update.
type ParseFunc func(st state.State, reply string) (state.Partial, error)

type options struct {
	stream     bool
	allowEmpty bool
	modelOpts  []model.Option
}

type Option func(*options)

// WithStreaming streams the reply and reports every chunk as a progress
// token.
func WithStreaming() Option {
	return func(o *options) { o.stream = true }
}

// AllowEmptyReply passes empty replies to the parse function instead of
// failing with ErrEmptyReply.
func AllowEmptyReply() Option {
	return func(o *options) { o.allowEmpty = true }
}

// WithModelOptions forwards options such as model.WithTemperature to every
// call.
func WithModelOptions(opts ...model.Option) Option {
	return func(o *options) { o.modelOpts = append(o.modelOpts, opts...) }
}

// New returns a stage function that prompts m and parses its reply.
func New(m model.BaseChatModel, prompt PromptFunc, parse ParseFunc, opts ...Option) api.StageFunc {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	return func(ctx context.Context, st state.State) (state.Partial, error) {
		msgs, err := prompt(st)
		if err != nil {
			// A prompt that cannot be built will not build on retry either.
			return nil, api.Permanent(fmt.Errorf("build prompt: %w", err))
		}

		var reply string
		if o.stream {
			reply, err = streamReply(ctx, m, msgs, o.modelOpts)
		} else {
			reply, err = generateReply(ctx, m, msgs, o.modelOpts)
		}
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(reply) == "" && !o.allowEmpty {
			return nil, ErrEmptyReply
		}
		return parse(st, reply)
	}
}

func generateReply(ctx context.Context, m model.BaseChatModel, msgs []*schema.Message, opts []model.Option) (string, error) {
	out, err := m.Generate(ctx, msgs, opts...)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if out == nil {
		return "", nil
	}
	return out.Content, nil
}

func streamReply(ctx context.Context, m model.BaseChatModel, msgs []*schema.Message, opts []model.Option) (string, error) {
	sr, err := m.Stream(ctx, msgs, opts...)
	if err != nil {
		return "", fmt.Errorf("stream: %w", err)
	}
	defer sr.Close()

	var sb strings.Builder
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("stream recv: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		sb.WriteString(chunk.Content)
		api.EmitProgress(ctx, chunk.Content)
	}
}

// Template returns a PromptFunc of a system and a user message. "{{key}}"
// placeholders are replaced with the value of that state key: text as is,
// other values as JSON. Unset keys render empty.
func Template(system, user string) PromptFunc {
	return func(st state.State) ([]*schema.Message, error) {
		r, err := replacer(st)
		if err != nil {
			return nil, err
		}
		var msgs []*schema.Message
		if system != "" {
			msgs = append(msgs, schema.SystemMessage(r.Replace(system)))
		}
		return append(msgs, schema.UserMessage(r.Replace(user))), nil
	}
}

func replacer(st state.State) (*strings.Replacer, error) {
	keys := st.Schema().Keys()
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		v, _ := st.Get(k)
		var s string
		switch tv := v.(type) {
		case nil:
		case string:
			s = tv
		default:
			b, err := sonic.ConfigStd.Marshal(tv)
			if err != nil {
				return nil, fmt.Errorf("render %s: %w", k, err)
			}
			s = string(b)
		}
		pairs = append(pairs, "{{"+k+"}}", s)
	}
	return strings.NewReplacer(pairs...), nil
}

// Into stores the trimmed reply under key.
func Into(key string) ParseFunc {
	return func(st state.State, reply string) (state.Partial, error) {
		return state.Partial{key: strings.TrimSpace(reply)}, nil
	}
}

// Label stores the first line of the reply, lower-cased, under key. It suits
// classification prompts that answer with a single label.
func Label(key string) ParseFunc {
	return func(st state.State, reply string) (state.Partial, error) {
		line, _, _ := strings.Cut(strings.TrimSpace(reply), "\n")
		return state.Partial{key: strings.ToLower(strings.TrimSpace(line))}, nil
	}
}

// JSON decodes a JSON object reply into a partial update. Markdown code
// fences around the object are ignored.
func JSON() ParseFunc {
	return func(st state.State, reply string) (state.Partial, error) {
		body := strings.TrimSpace(reply)
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(body, "```")

		var p state.Partial
		if err := sonic.UnmarshalString(strings.TrimSpace(body), &p); err != nil {
			return nil, fmt.Errorf("decode reply: %w", err)
		}
		return p, nil
	}
}
