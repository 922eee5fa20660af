// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/alpaca-core/internal/instance"
	"github.com/jeranaias/alpaca-core/internal/provider"
	"github.com/jeranaias/alpaca-core/internal/store"
	"github.com/jeranaias/alpaca-core/internal/title"
	"github.com/jeranaias/alpaca-core/internal/tools"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeClient struct {
	mu sync.Mutex

	chunks    []provider.Chunk
	streamErr error
	raw       json.RawMessage
	// block holds the stream open until the context ends.
	block bool

	info       *provider.ModelInfo
	completion *provider.Completion
	titleJSON  string

	streamed  []provider.ChatParams
	completed []provider.ChatParams
}

func (f *fakeClient) ListModels(context.Context) ([]provider.ModelSummary, error) { return nil, nil }

func (f *fakeClient) GetModelInfo(context.Context, string) (*provider.ModelInfo, error) {
	if f.info == nil {
		return &provider.ModelInfo{}, nil
	}
	return f.info, nil
}

func (f *fakeClient) StreamChat(ctx context.Context, p provider.ChatParams, on provider.ChunkFunc) (*provider.Completion, error) {
	f.mu.Lock()
	f.streamed = append(f.streamed, p)
	chunks, streamErr, raw, block := f.chunks, f.streamErr, f.raw, f.block
	f.mu.Unlock()

	out := &provider.Completion{Model: p.Model, Raw: raw}
	var content, thinking strings.Builder
	for _, c := range chunks {
		content.WriteString(c.Content)
		thinking.WriteString(c.Thinking)
		on(c)
	}
	out.Content, out.Thinking = content.String(), thinking.String()
	if block {
		<-ctx.Done()
		return out, provider.Wrap(provider.KindNetwork, "stream", ctx.Err())
	}
	return out, streamErr
}

func (f *fakeClient) Complete(_ context.Context, p provider.ChatParams) (*provider.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, p)
	if f.completion == nil {
		return &provider.Completion{}, nil
	}
	return f.completion, nil
}

func (f *fakeClient) CompleteStructured(context.Context, provider.ChatParams, string, json.RawMessage) (string, error) {
	return f.titleJSON, nil
}

func (f *fakeClient) lastStream(t *testing.T) provider.ChatParams {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.streamed)
	return f.streamed[len(f.streamed)-1]
}

type selected struct{ inst *instance.Instance }

func (s selected) Selected() *instance.Instance { return s.inst }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) of(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	store  *store.Store
	client *fakeClient
	inst   *instance.Instance
	events *recorder
	p      *Pipeline
	chat   *store.Chat
}

type harnessOptions struct {
	typ      string
	chatName string
	props    func(*instance.Properties)
	tools    *tools.Executor
}

func newHarness(t *testing.T, client *fakeClient, o harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{Path: filepath.Join(t.TempDir(), "alpaca.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if o.typ == "" {
		o.typ = instance.TypeOllama
	}
	if o.chatName == "" {
		o.chatName = "Notes"
	}
	info, ok := instance.Lookup(o.typ)
	require.True(t, ok)
	props := instance.Defaults(info, t.TempDir())
	props.DefaultModel = "llama3.2:1b"
	if o.props != nil {
		o.props(&props)
	}
	inst := instance.Assemble(info, "inst-1", props, client, nil)

	chat, err := st.CreateChat(ctx, o.chatName, "")
	require.NoError(t, err)

	h := &harness{store: st, client: client, inst: inst, events: &recorder{}, chat: chat}
	h.p = New(Options{
		Store:     st,
		Instances: selected{inst},
		Tools:     o.tools,
		Titles:    title.New(nil),
		Events:    h.events.add,
		UserName:  func(int) string { return "Alice" },
	})
	t.Cleanup(h.p.Close)
	return h
}

func (h *harness) transcript(t *testing.T) []store.Message {
	t.Helper()
	tr, err := h.store.LoadTranscript(context.Background(), h.chat.ID)
	require.NoError(t, err)
	return tr.Messages
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmitStreamsAndPersists(t *testing.T) {
	client := &fakeClient{
		chunks: []provider.Chunk{
			{Thinking: "the user greets me"},
			{Content: "Hello "},
			{Content: "world\n\n"},
			{Content: "```go\nfmt.Println()\n```\nbye"},
		},
		titleJSON: `{"title": "Greeting", "emoji": "👋"}`,
	}
	h := newHarness(t, client, harnessOptions{chatName: title.Fallback})

	msg, err := h.p.Submit(context.Background(), Request{ChatID: h.chat.ID, Text: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, store.RoleUser, msg.Role)
	h.p.Wait()

	msgs := h.transcript(t)
	require.Len(t, msgs, 2)
	reply := msgs[1]
	assert.Equal(t, store.RoleAssistant, reply.Role)
	assert.Equal(t, "llama3.2:1b", reply.Model)
	assert.Equal(t, "Hello world\n\n```go\nfmt.Println()\n```\nbye", reply.Content)
	require.Len(t, reply.Attachments, 1)
	assert.Equal(t, store.KindThought, reply.Attachments[0].Kind)
	assert.Equal(t, "the user greets me", reply.Attachments[0].Content)

	busy := h.events.of(ChatBusy)
	require.Len(t, busy, 2)
	assert.True(t, busy[0].Busy)
	assert.False(t, busy[1].Busy)
	assert.NotEmpty(t, h.events.of(MessageDelta))
	assert.NotEmpty(t, h.events.of(BlocksSealed))

	finished := h.events.of(MessageFinished)
	require.Len(t, finished, 1)
	assert.NoError(t, finished[0].Err)
	assert.False(t, finished[0].Discarded)
	assert.Equal(t, reply.Content, finished[0].Text)

	renamed := h.events.of(ChatRenamed)
	require.Len(t, renamed, 1)
	assert.Equal(t, "👋 Greeting", renamed[0].Name)
	chat, err := h.store.GetChat(context.Background(), h.chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "👋 Greeting", chat.Name)

	assert.False(t, h.p.Busy(h.chat.ID))
}

func TestSubmitSystemMessageDoesNotGenerate(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client, harnessOptions{})

	_, err := h.p.Submit(context.Background(), Request{ChatID: h.chat.ID, Text: "be terse", Mode: ModeSystem})
	require.NoError(t, err)
	h.p.Wait()

	msgs := h.transcript(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleSystem, msgs[0].Role)
	assert.Empty(t, client.streamed)
	assert.Empty(t, h.events.of(ChatBusy))
}

func TestSubmitRejectsEmptyAndBusy(t *testing.T) {
	client := &fakeClient{chunks: []provider.Chunk{{Content: "partial answer"}}, block: true}
	h := newHarness(t, client, harnessOptions{})
	ctx := context.Background()

	_, err := h.p.Submit(ctx, Request{ChatID: h.chat.ID, Text: "  "})
	assert.Error(t, err)

	_, err = h.p.Submit(ctx, Request{ChatID: h.chat.ID, Text: "first"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(h.events.of(MessageDelta)) > 0
	}, time.Second, 5*time.Millisecond)

	_, err = h.p.Submit(ctx, Request{ChatID: h.chat.ID, Text: "second"})
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, h.p.Busy(h.chat.ID))

	assert.True(t, h.p.Cancel(h.chat.ID))
	h.p.Wait()

	msgs := h.transcript(t)
	require.Len(t, msgs, 2, "the rejected submit must not be persisted")
	assert.Equal(t, "partial answer", msgs[1].Content)

	finished := h.events.of(MessageFinished)
	require.Len(t, finished, 1)
	assert.True(t, provider.IsCancelled(finished[0].Err))
	assert.Empty(t, h.events.of(Toast), "cancelling is not a failure")
}

func TestStreamErrorKeepsPartialContent(t *testing.T) {
	client := &fakeClient{
		chunks:    []provider.Chunk{{Content: "half of it"}},
		streamErr: provider.Errorf(provider.KindNetwork, "connection reset"),
	}
	h := newHarness(t, client, harnessOptions{})

	_, err := h.p.Submit(context.Background(), Request{ChatID: h.chat.ID, Text: "go"})
	require.NoError(t, err)
	h.p.Wait()

	msgs := h.transcript(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "half of it", msgs[1].Content)

	toasts := h.events.of(Toast)
	require.Len(t, toasts, 1)
	assert.Contains(t, toasts[0].Text, "connection reset")
	assert.False(t, h.p.Busy(h.chat.ID))
}

func TestEmptyReplyIsDiscarded(t *testing.T) {
	client := &fakeClient{streamErr: provider.Errorf(provider.KindNetwork, "refused")}
	h := newHarness(t, client, harnessOptions{})

	_, err := h.p.Submit(context.Background(), Request{ChatID: h.chat.ID, Text: "go"})
	require.NoError(t, err)
	h.p.Wait()

	assert.Len(t, h.transcript(t), 1)
	finished := h.events.of(MessageFinished)
	require.Len(t, finished, 1)
	assert.True(t, finished[0].Discarded)
}

func TestAuthNoticeForCloud(t *testing.T) {
	client := &fakeClient{streamErr: provider.Errorf(provider.KindAuth, "unauthorized")}
	h := newHarness(t, client, harnessOptions{typ: instance.TypeOllamaCloud})

	_, err := h.p.Submit(context.Background(), Request{ChatID: h.chat.ID, Text: "go"})
	require.NoError(t, err)
	h.p.Wait()

	msgs := h.transcript(t)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "API key")
}

// =============================================================================
// REQUEST ASSEMBLY
// =============================================================================

func TestRequestPreamble(t *testing.T) {
	client := &fakeClient{
		chunks: []provider.Chunk{{Content: "ok"}},
		info:   &provider.ModelInfo{System: "You are a llama.", Capabilities: []string{provider.CapCompletion}},
	}
	h := newHarness(t, client, harnessOptions{props: func(p *instance.Properties) {
		p.ShareName = ShareNameLogin
		p.Think = true
	}})

	_, err := h.p.Submit(context.Background(), Request{
		ChatID: h.chat.ID,
		Text:   "summarize",
		Attachments: []store.Attachment{
			{Kind: store.KindPlainText, Name: "notes.txt", Content: "line one"},
			{Kind: store.KindImage, Name: "cat.png", Content: "aGVsbG8="},
		},
	})
	require.NoError(t, err)
	h.p.Wait()

	params := client.lastStream(t)
	require.Len(t, params.Messages, 3)
	assert.Equal(t, provider.Message{Role: provider.RoleSystem, Text: "You are a llama."}, params.Messages[0])
	assert.Equal(t, provider.Message{Role: provider.RoleSystem, Text: "The user is called Alice"}, params.Messages[1])
	assert.Equal(t, "```notes.txt (plain_text)\nline one\n```\n\nsummarize", params.Messages[2].Text)
	assert.Equal(t, []string{"aGVsbG8="}, params.Messages[2].Images)

	require.NotNil(t, params.Think)
	assert.False(t, *params.Think, "thinking needs the model capability too")
}

func TestRequestMessagesSkipsEmptyAndContextless(t *testing.T) {
	got := requestMessages([]store.Message{
		{Role: store.RoleUser, Content: "q"},
		{Role: store.RoleAssistant, Content: "a", Attachments: []store.Attachment{
			{Kind: store.KindThought, Name: "Thought", Content: "hidden"},
			{Kind: store.KindTool, Name: "Search", Content: "## Result"},
		}},
		{Role: store.RoleAssistant},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "```Search (tool)\n## Result\n```\n\na", got[1].Text)
}

func TestLorebook(t *testing.T) {
	card := json.RawMessage(`{"data": {
		"extensions": {"com.jeffser.Alpaca": {"enabled": true}},
		"character_book": {"scan_depth": 2, "entries": [
			{"keys": ["wyrm", "dragon"], "content": "Dragons hoard gold."},
			{"keys": ["castle"], "content": "The castle is old."},
			{"keys": ["Dragon"], "content": "Dragons hoard gold."},
			{"keys": ["moat", "castle"], "content": "The castle is old."},
			{"keys": ["sea"], "content": "Salty."}
		]}
	}}`)
	book := parseLorebook(card)
	require.NotNil(t, book)

	msgs := []provider.Message{
		{Role: provider.RoleSystem, Text: "rules"},
		{Role: provider.RoleUser, Text: "tell me about the sea"},
		{Role: provider.RoleAssistant, Text: "The WYRM sleeps"},
		{Role: provider.RoleUser, Text: "and the dragon's castle?"},
	}
	got := withLore(msgs, book)
	require.Len(t, got, 5)
	assert.Equal(t, provider.RoleSystem, got[1].Role)
	assert.Equal(t, "# Wyrm\n\nDragons hoard gold.\n\n---\n\n# Castle\n\nThe castle is old.\n\n---\n\n# Dragon\n\nDragons hoard gold.", got[1].Text)
	assert.Len(t, msgs, 4, "input is not modified")

	assert.Nil(t, parseLorebook(json.RawMessage(`{"data": {"character_book": {"entries": [{"keys": ["x"]}]}}}`)))
	assert.Nil(t, parseLorebook(nil))
}

func TestMetadataAttachment(t *testing.T) {
	client := &fakeClient{
		chunks: []provider.Chunk{{Content: "done"}},
		raw:    json.RawMessage(`{"model":"llama3.2:1b","done":true,"total_duration":1500000000,"eval_count":10,"created_at":"2025-01-01"}`),
	}
	h := newHarness(t, client, harnessOptions{props: func(p *instance.Properties) {
		p.ShowResponseMetadata = true
	}})

	_, err := h.p.Submit(context.Background(), Request{ChatID: h.chat.ID, Text: "go"})
	require.NoError(t, err)
	h.p.Wait()

	reply := h.transcript(t)[1]
	require.Len(t, reply.Attachments, 1)
	md := reply.Attachments[0]
	assert.Equal(t, store.KindMetadata, md.Kind)
	assert.Contains(t, md.Content, "| Total Duration | 1.5s |")
	assert.Contains(t, md.Content, "| Eval Count | 10 |")
	assert.NotContains(t, md.Content, "Created At")
}

// =============================================================================
// TOOLS
// =============================================================================

func echoExecutor(t *testing.T) *tools.Executor {
	t.Helper()
	reg := tools.NewRegistry(nil)
	reg.Register(&tools.Tool{
		Name:             "echo",
		DisplayName:      "Echo",
		Description:      "Repeats its input",
		EnabledByDefault: true,
		Schema: tools.Schema{Parameters: []tools.Parameter{
			{Name: "text", Type: "string", Required: true},
		}},
		Executor: tools.ExecutorFunc(func(_ context.Context, call tools.Call) (tools.Result, error) {
			return tools.Result{Success: true, Output: strings.ToUpper(call.String("text"))}, nil
		}),
	})
	return tools.NewExecutor(reg, tools.ExecutorOptions{})
}

func TestToolSelection(t *testing.T) {
	client := &fakeClient{
		chunks: []provider.Chunk{{Content: "It said HELLO."}},
		completion: &provider.Completion{ToolCalls: []provider.ToolCall{
			{ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{"text":"hello"}`)},
		}},
	}
	h := newHarness(t, client, harnessOptions{typ: "chatgpt", tools: echoExecutor(t)})

	_, err := h.p.Submit(context.Background(), Request{ChatID: h.chat.ID, Text: "echo hello", Tools: ToolsAuto})
	require.NoError(t, err)
	h.p.Wait()

	require.Len(t, client.completed, 1)
	params := client.lastStream(t)
	assert.Equal(t, provider.ToolChoiceNone, params.ToolChoice)
	require.Len(t, params.Messages, 3)
	assert.Equal(t, provider.RoleTool, params.Messages[2].Role)
	assert.Equal(t, "HELLO", params.Messages[2].Text)

	reply := h.transcript(t)[1]
	require.Len(t, reply.Attachments, 1)
	assert.Equal(t, store.KindTool, reply.Attachments[0].Kind)
	assert.Equal(t, "Echo", reply.Attachments[0].Name)
	assert.Len(t, h.events.of(AttachmentAdded), 1)
}

func TestToolsUnsupportedFallsBack(t *testing.T) {
	client := &fakeClient{
		chunks: []provider.Chunk{{Content: "plain answer"}},
		info:   &provider.ModelInfo{Capabilities: []string{provider.CapCompletion}},
	}
	h := newHarness(t, client, harnessOptions{tools: echoExecutor(t)})

	_, err := h.p.Submit(context.Background(), Request{ChatID: h.chat.ID, Text: "echo hello", Tools: ToolsAuto})
	require.NoError(t, err)
	h.p.Wait()

	assert.Empty(t, client.completed)
	assert.Empty(t, client.lastStream(t).Tools)
	toasts := h.events.of(Toast)
	require.Len(t, toasts, 1)
	assert.Contains(t, toasts[0].Text, "does not support tools")
	assert.Equal(t, "plain answer", h.transcript(t)[1].Content)
}

// =============================================================================
// REGENERATE AND EDIT
// =============================================================================

func seedTurn(t *testing.T, h *harness) (user, reply *store.Message) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 7, 10, 0, 0, 0, time.UTC)
	user = &store.Message{ChatID: h.chat.ID, Role: store.RoleUser, Content: "question", Timestamp: base}
	require.NoError(t, h.store.UpsertMessage(ctx, user))
	reply = &store.Message{ChatID: h.chat.ID, Role: store.RoleAssistant, Model: "old", Content: "old answer", Timestamp: base.Add(time.Second)}
	require.NoError(t, h.store.UpsertMessage(ctx, reply))
	require.NoError(t, h.store.InsertAttachment(ctx, &store.Attachment{
		MessageID: reply.ID, Kind: store.KindThought, Name: ThoughtName, Content: "old thought",
	}))
	return user, reply
}

func TestRegenerate(t *testing.T) {
	client := &fakeClient{chunks: []provider.Chunk{{Content: "new answer"}}}
	h := newHarness(t, client, harnessOptions{})
	_, reply := seedTurn(t, h)

	require.NoError(t, h.p.Regenerate(context.Background(), reply.ID, Generation{Model: "qwen3"}))
	h.p.Wait()

	msgs := h.transcript(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, reply.ID, msgs[1].ID)
	assert.Equal(t, "new answer", msgs[1].Content)
	assert.Equal(t, "qwen3", msgs[1].Model)
	assert.Equal(t, reply.Timestamp.Unix(), msgs[1].Timestamp.Unix(), "position in the chat is kept")
	assert.Empty(t, msgs[1].Attachments)

	params := client.lastStream(t)
	require.Len(t, params.Messages, 1)
	assert.Equal(t, "question", params.Messages[0].Text)
}

func TestRegenerateRejectsUserMessage(t *testing.T) {
	h := newHarness(t, &fakeClient{}, harnessOptions{})
	user, _ := seedTurn(t, h)
	assert.Error(t, h.p.Regenerate(context.Background(), user.ID, Generation{}))
}

func TestEditRegeneratesFollowingReply(t *testing.T) {
	client := &fakeClient{chunks: []provider.Chunk{{Content: "answer to the edit"}}}
	h := newHarness(t, client, harnessOptions{})
	user, reply := seedTurn(t, h)

	require.NoError(t, h.p.Edit(context.Background(), user.ID, "better question", true))
	h.p.Wait()

	msgs := h.transcript(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "better question", msgs[0].Content)
	assert.Equal(t, reply.ID, msgs[1].ID)
	assert.Equal(t, "answer to the edit", msgs[1].Content)
	assert.Equal(t, "better question", client.lastStream(t).Messages[0].Text)
}

func TestEditWithoutRegenerate(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, client, harnessOptions{})
	_, reply := seedTurn(t, h)

	require.NoError(t, h.p.Edit(context.Background(), reply.ID, "fixed answer", false))
	h.p.Wait()

	assert.Equal(t, "fixed answer", h.transcript(t)[1].Content)
	assert.Empty(t, client.streamed)
}

func TestEditLastUserMessageStartsReply(t *testing.T) {
	client := &fakeClient{chunks: []provider.Chunk{{Content: "first reply"}}}
	h := newHarness(t, client, harnessOptions{})
	ctx := context.Background()
	user := &store.Message{ChatID: h.chat.ID, Role: store.RoleUser, Content: "typo"}
	require.NoError(t, h.store.UpsertMessage(ctx, user))

	require.NoError(t, h.p.Edit(ctx, user.ID, "fixed", true))
	h.p.Wait()

	msgs := h.transcript(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first reply", msgs[1].Content)
}
