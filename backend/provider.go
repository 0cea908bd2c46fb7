package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/planwright/provider"
	"github.com/GoCodeAlone/planwright/provider/mock"
)

const planInstructions = `You decompose a change request into executable tasks.
Reply with JSON only, one document per line. Each line is either a task object or
{"complexity":"low|medium|high"}. Task objects have the fields:
  ref          short unique identifier, referenced by depends_on
  kind         one of create-artifact, modify-artifact, compose-unit, configure, install-dependency
  name         short title
  description  what the task does
  duration     estimated duration such as "5m"
  priority     integer 0..1000, lower runs first
  inputs       object of kind specific parameters
  depends_on   refs of tasks that must finish first`

var transformInstructions = map[string]string{
	TransformFixJSON: `You repair malformed task documents. The input holds a JSON schema, ` +
		`the broken document and the validation errors. Reply with the corrected task object only.`,
	TransformRepair: `You repair task dependencies. The input lists tasks, the current dependency ` +
		`edges and the conflicting cycles. Reply with {"dependencies":[{"task":"id","depends_on":"id"}]} ` +
		`forming no cycle and using only the given task IDs.`,
}

// ProviderBackend drives a chat provider as the generative backend.
type ProviderBackend struct {
	provider provider.Provider
	logger   *slog.Logger
}

// NewProviderBackend wraps p.
func NewProviderBackend(p provider.Provider, logger *slog.Logger) *ProviderBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderBackend{provider: p, logger: logger}
}

// Plan streams the provider reply and yields one batch per complete JSON line.
func (b *ProviderBackend) Plan(ctx context.Context, prompt string, rc map[string]any) (<-chan Batch, error) {
	user := prompt
	if len(rc) > 0 {
		data, err := json.Marshal(rc)
		if err != nil {
			return nil, fmt.Errorf("backend: encode request context: %w", err)
		}
		user = fmt.Sprintf("%s\n\nContext:\n%s", prompt, data)
	}
	events, err := b.provider.Stream(ctx, provider.Request{Messages: []provider.Message{
		{Role: provider.RoleSystem, Content: planInstructions},
		{Role: provider.RoleUser, Content: user},
	}})
	if err != nil {
		return nil, fmt.Errorf("backend: %s stream: %w", b.provider.Name(), err)
	}

	out := make(chan Batch)
	go func() {
		defer close(out)
		send := func(batch Batch) bool {
			select {
			case out <- batch:
				return true
			case <-ctx.Done():
				return false
			}
		}
		flush := func(line []byte) bool {
			if batch, ok := splitLine(line); ok {
				return send(batch)
			}
			return true
		}

		var buf bytes.Buffer
		for ev := range events {
			switch ev.Type {
			case provider.EventText:
				buf.WriteString(ev.Text)
				for {
					i := bytes.IndexByte(buf.Bytes(), '\n')
					if i < 0 {
						break
					}
					line := append([]byte(nil), buf.Next(i+1)...)
					if !flush(line) {
						return
					}
				}
			case provider.EventError:
				send(Batch{Err: fmt.Errorf("backend: %s stream: %s", b.provider.Name(), ev.Error)})
				return
			case provider.EventDone:
				if ev.Usage != nil {
					b.logger.Debug("plan stream finished", "provider", b.provider.Name(), "output_tokens", ev.Usage.OutputTokens)
				}
			}
		}
		if ctx.Err() != nil {
			send(Batch{Err: ctx.Err()})
			return
		}
		flush(buf.Bytes())
	}()
	return out, nil
}

// Transform sends input with the instruction for kind and returns the JSON
// document extracted from the reply.
func (b *ProviderBackend) Transform(ctx context.Context, kind string, input []byte) ([]byte, error) {
	instr, ok := transformInstructions[kind]
	if !ok {
		return nil, fmt.Errorf("backend: unknown transform %q", kind)
	}
	resp, err := b.provider.Chat(ctx, provider.Request{Messages: []provider.Message{
		{Role: provider.RoleSystem, Content: instr},
		{Role: provider.RoleUser, Content: string(input)},
	}})
	if err != nil {
		return nil, fmt.Errorf("backend: %s transform %s: %w", b.provider.Name(), kind, err)
	}
	doc, err := ExtractJSON([]byte(resp.Content))
	if err != nil {
		return nil, fmt.Errorf("backend: transform %s: %w", kind, err)
	}
	return doc, nil
}

var errNoProvider = errors.New("backend: no provider configured")

// FromConfig builds the provider named by name ("anthropic", "openai" or
// "mock") and wraps it as a backend.
func FromConfig(name, model, apiKey, baseURL string, logger *slog.Logger) (*ProviderBackend, error) {
	var p provider.Provider
	switch name {
	case "anthropic":
		p = provider.NewAnthropicProvider(provider.AnthropicConfig{APIKey: apiKey, Model: model, BaseURL: baseURL})
	case "openai":
		p = provider.NewOpenAIProvider(provider.OpenAIConfig{APIKey: apiKey, Model: model, BaseURL: baseURL})
	case "mock":
		p = mock.New()
	case "":
		return nil, errNoProvider
	default:
		return nil, fmt.Errorf("backend: unknown provider %q", name)
	}
	return NewProviderBackend(p, logger), nil
}
