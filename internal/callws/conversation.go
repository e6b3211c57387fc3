package callws

import (
    "context"

    "serenity/companion/internal/call"
    "serenity/companion/internal/types"
)

// MessageService is the conversation surface a call talks to;
// *conversation.Service implements it.
type MessageService interface {
    List(ctx context.Context, key types.SessionKey) ([]types.Message, error)
    Send(ctx context.Context, key types.SessionKey, content string) (types.Message, error)
    Clear(ctx context.Context, key types.SessionKey) error
}

// Conversation adapts a MessageService to call.Conversation, whose session
// keys are opaque strings.
type Conversation struct {
    Svc MessageService
}

func (c Conversation) List(ctx context.Context, sessionKey string) ([]call.Message, error) {
    key, err := types.ParseSessionKey(sessionKey)
    if err != nil {
        return nil, err
    }
    msgs, err := c.Svc.List(ctx, key)
    if err != nil {
        return nil, err
    }
    out := make([]call.Message, 0, len(msgs))
    for _, m := range msgs {
        out = append(out, call.Message{ID: m.ID, Role: string(m.Role), Content: m.Content})
    }
    return out, nil
}

func (c Conversation) Send(ctx context.Context, sessionKey, text string) (call.AssistantMessage, error) {
    key, err := types.ParseSessionKey(sessionKey)
    if err != nil {
        return call.AssistantMessage{}, err
    }
    m, err := c.Svc.Send(ctx, key, text)
    if err != nil {
        return call.AssistantMessage{}, err
    }
    return call.AssistantMessage{ID: m.ID, Text: m.Content}, nil
}

func (c Conversation) Clear(ctx context.Context, sessionKey string) error {
    key, err := types.ParseSessionKey(sessionKey)
    if err != nil {
        return err
    }
    return c.Svc.Clear(ctx, key)
}
