// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline runs chat turns: it persists the user's message,
// assembles the request, runs the tool-selection round, streams the reply
// through the block parser and persists the result.
//
// Every chat runs at most one generation at a time; generations on
// different chats run concurrently. Progress is reported through an
// EventFunc.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/alpaca-core/internal/blocks"
	"github.com/jeranaias/alpaca-core/internal/instance"
	"github.com/jeranaias/alpaca-core/internal/logging"
	"github.com/jeranaias/alpaca-core/internal/provider"
	"github.com/jeranaias/alpaca-core/internal/store"
	"github.com/jeranaias/alpaca-core/internal/title"
	"github.com/jeranaias/alpaca-core/internal/tools"
	"github.com/jeranaias/alpaca-core/internal/util"
)

var (
	// ErrBusy is returned when a chat is already generating.
	ErrBusy = errors.New("chat is busy")

	// ErrNoModel is returned when neither the request nor the instance
	// names a model.
	ErrNoModel = errors.New("no model selected")
)

// previewLength bounds the notification text of a finished reply.
const previewLength = 200

// Attachment names given to generated attachments.
const (
	ThoughtName  = "Thought"
	MetadataName = "Metadata"
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetChat(ctx context.Context, chatID string) (*store.Chat, error)
	RenameChat(ctx context.Context, chatID, name string) error
	LoadTranscript(ctx context.Context, chatID string) (*store.Transcript, error)
	GetMessage(ctx context.Context, messageID string) (*store.Message, error)
	UpsertMessage(ctx context.Context, m *store.Message) error
	DeleteMessage(ctx context.Context, messageID string) error
	InsertAttachment(ctx context.Context, a *store.Attachment) error
	GetAttachments(ctx context.Context, messageID string) ([]store.Attachment, error)
	DeleteAttachment(ctx context.Context, id string) error
	GetModelPreferences(ctx context.Context, modelID string) (*store.ModelPreferences, error)
}

// Instances supplies the selected instance.
type Instances interface {
	Selected() *instance.Instance
}

// Options configures New.
type Options struct {
	Store     Store
	Instances Instances

	// Tools runs the tool-selection round. Nil disables tools.
	Tools *tools.Executor

	// Titles names new chats. Nil disables title generation.
	Titles *title.Generator

	Events EventFunc
	Logger *zap.SugaredLogger

	// DeltaInterval overrides DefaultDeltaInterval.
	DeltaInterval time.Duration

	// UserName resolves the share_name property. Defaults to the
	// operating system account.
	UserName func(mode int) string

	Now func() time.Time
}

// Pipeline orchestrates generations. It is safe for concurrent use.
type Pipeline struct {
	store     Store
	instances Instances
	tools     *tools.Executor
	titles    *title.Generator
	emit      EventFunc
	log       *zap.SugaredLogger
	interval  time.Duration
	userName  func(int) string
	now       func() time.Time

	// ctx outlives single generations; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Events == nil {
		opts.Events = func(Event) {}
	}
	if opts.DeltaInterval <= 0 {
		opts.DeltaInterval = DefaultDeltaInterval
	}
	if opts.UserName == nil {
		opts.UserName = systemUserName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:     opts.Store,
		instances: opts.Instances,
		tools:     opts.Tools,
		titles:    opts.Titles,
		emit:      opts.Events,
		log:       opts.Logger.With("component", "pipeline"),
		interval:  opts.DeltaInterval,
		userName:  opts.UserName,
		now:       opts.Now,
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[string]context.CancelFunc),
	}
}

// Mode is the role of a submitted message.
type Mode int

const (
	ModeUser Mode = iota
	ModeSystem
)

// ToolMode selects the tool-selection round.
type ToolMode int

const (
	ToolsNone ToolMode = iota
	// ToolsSingle offers only Request.Tool.
	ToolsSingle
	// ToolsAuto offers every enabled tool.
	ToolsAuto
)

// Request is one submitted turn.
type Request struct {
	ChatID      string
	Text        string
	Attachments []store.Attachment
	Mode        Mode

	Tools ToolMode
	Tool  string

	// Model overrides the instance's default model.
	Model string
}

// Generation selects the model and tools of a regenerated reply.
type Generation struct {
	Model string
	Tools ToolMode
	Tool  string
}

// Busy reports whether chatID is generating.
func (p *Pipeline) Busy(chatID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[chatID]
	return ok
}

// Cancel stops the generation of chatID. Partial output is kept.
func (p *Pipeline) Cancel(chatID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.running[chatID]
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every generation and title request has ended.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Close cancels all work and waits for it.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Submit persists a user or system message. For user messages it then
// starts generating the reply in the background and returns the
// persisted message; the reply arrives through events.
func (p *Pipeline) Submit(ctx context.Context, req Request) (*store.Message, error) {
	chat, err := p.store.GetChat(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return nil, errors.New("message is empty")
	}

	var t *turn
	if req.Mode == ModeUser {
		t, err = p.prepare(chat, Generation{Model: req.Model, Tools: req.Tools, Tool: req.Tool})
		if err != nil {
			return nil, err
		}
	}

	role := store.RoleUser
	if req.Mode == ModeSystem {
		role = store.RoleSystem
	}
	msg := &store.Message{ChatID: chat.ID, Role: role, Content: req.Text, Timestamp: p.now()}
	if err := p.store.UpsertMessage(ctx, msg); err != nil {
		p.release(t)
		return nil, fmt.Errorf("save message: %w", err)
	}
	for i := range req.Attachments {
		a := req.Attachments[i]
		a.ID, a.MessageID = "", msg.ID
		if err := p.store.InsertAttachment(ctx, &a); err != nil {
			p.release(t)
			return nil, fmt.Errorf("save attachment: %w", err)
		}
		msg.Attachments = append(msg.Attachments, a)
	}
	p.emit(Event{Kind: MessageAdded, ChatID: chat.ID, MessageID: msg.ID, Message: msg})

	if t == nil {
		return msg, nil
	}
	t.reply = &store.Message{
		ID:        store.NewID(),
		ChatID:    chat.ID,
		Role:      store.RoleAssistant,
		Model:     t.model,
		Timestamp: p.now(),
	}
	p.start(t)
	return msg, nil
}

// Regenerate replaces an assistant message with a new reply generated
// from the turns before it. Its attachments are removed first.
func (p *Pipeline) Regenerate(ctx context.Context, messageID string, gen Generation) error {
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Role != store.RoleAssistant {
		return fmt.Errorf("message %s is not a reply", messageID)
	}
	chat, err := p.store.GetChat(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	t, err := p.prepare(chat, gen)
	if err != nil {
		return err
	}

	attachments, err := p.store.GetAttachments(ctx, msg.ID)
	if err != nil {
		p.release(t)
		return err
	}
	for _, a := range attachments {
		if err := p.store.DeleteAttachment(ctx, a.ID); err != nil {
			p.release(t)
			return fmt.Errorf("delete attachment: %w", err)
		}
	}
	msg.Content = ""
	msg.Model = t.model
	t.reply = msg
	t.existing = true
	p.start(t)
	return nil
}

// Edit overwrites a message's content. With regenerate set, the reply
// that follows it is regenerated, or a new reply is started when a user
// message has none.
func (p *Pipeline) Edit(ctx context.Context, messageID, content string, regenerate bool) error {
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if regenerate && p.Busy(msg.ChatID) {
		return ErrBusy
	}
	msg.Content = content
	if err := p.store.UpsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	if !regenerate {
		return nil
	}

	transcript, err := p.store.LoadTranscript(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	for i, m := range transcript.Messages {
		if m.ID != msg.ID {
			continue
		}
		if i+1 < len(transcript.Messages) && transcript.Messages[i+1].Role == store.RoleAssistant {
			next := transcript.Messages[i+1]
			return p.Regenerate(ctx, next.ID, Generation{Model: next.Model})
		}
		break
	}
	if msg.Role != store.RoleUser {
		return nil
	}
	t, err := p.prepare(&transcript.Chat, Generation{})
	if err != nil {
		return err
	}
	t.reply = &store.Message{
		ID:        store.NewID(),
		ChatID:    msg.ChatID,
		Role:      store.RoleAssistant,
		Model:     t.model,
		Timestamp: p.now(),
	}
	p.start(t)
	return nil
}

// =============================================================================
// GENERATION
// =============================================================================

// turn is one generation in flight.
type turn struct {
	chat     store.Chat
	inst     *instance.Instance
	model    string
	gen      Generation
	reply    *store.Message
	existing bool

	ctx    context.Context
	cancel context.CancelFunc

	attachments []store.Attachment
	// announced counts attachments already sent as events.
	announced int
}

// prepare resolves the instance and model and marks the chat busy.
func (p *Pipeline) prepare(chat *store.Chat, gen Generation) (*turn, error) {
	inst := p.instances.Selected()
	if inst == nil {
		return nil, instance.ErrNoSelection
	}
	model := gen.Model
	if model == "" {
		model = inst.DefaultModel(nil)
	}
	if model == "" {
		return nil, ErrNoModel
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.mu.Lock()
	if _, busy := p.running[chat.ID]; busy {
		p.mu.Unlock()
		cancel()
		return nil, ErrBusy
	}
	p.running[chat.ID] = cancel
	p.mu.Unlock()

	return &turn{chat: *chat, inst: inst, model: model, gen: gen, ctx: ctx, cancel: cancel}, nil
}

func (p *Pipeline) release(t *turn) {
	if t == nil {
		return
	}
	t.cancel()
	p.mu.Lock()
	delete(p.running, t.chat.ID)
	p.mu.Unlock()
}

func (p *Pipeline) start(t *turn) {
	p.emit(Event{Kind: ChatBusy, ChatID: t.chat.ID, Busy: true})
	p.emit(Event{Kind: MessageAdded, ChatID: t.chat.ID, MessageID: t.reply.ID, Message: t.reply})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(t)
	}()
}

func (p *Pipeline) run(t *turn) {
	defer func() {
		p.release(t)
		p.emit(Event{Kind: ChatBusy, ChatID: t.chat.ID, Busy: false})
	}()
	log := p.log.With("chat", t.chat.ID, "model", t.model, "instance", t.inst.ID)

	history, err := p.history(t)
	if err != nil {
		p.finish(t, &provider.Completion{}, err)
		return
	}

	ollama := t.inst.Info.Family == instance.FamilyOllama
	var info *provider.ModelInfo
	if ollama {
		info, err = t.inst.Client().GetModelInfo(t.ctx, t.model)
		if err != nil {
			log.Debugw("model info unavailable", "error", err)
			info = nil
		}
	}

	msgs := requestMessages(history)
	if prefs, err := p.store.GetModelPreferences(t.ctx, t.model); err == nil {
		msgs = withLore(msgs, parseLorebook(prefs.CharacterCard))
	}
	if ollama {
		var name, system string
		if t.inst.Props.ShareName != ShareNameOff {
			name = p.userName(t.inst.Props.ShareName)
		}
		if info != nil {
			system = info.System
		}
		msgs = withPreamble(msgs, name, system)
	}

	p.spawnTitle(t, history)

	params := t.inst.ChatParams(t.model, msgs)
	if ollama {
		think := t.inst.Props.Think && info.HasCapability(provider.CapThinking)
		params.Think = &think
	}

	if t.gen.Tools != ToolsNone && p.tools != nil {
		params, err = p.selectTools(t, params, !ollama || info.HasCapability(provider.CapTools))
		if err != nil {
			p.finish(t, &provider.Completion{}, err)
			return
		}
	}

	completion, err := p.stream(t, params)
	p.finish(t, completion, err)
}

// history returns the turns the reply answers.
func (p *Pipeline) history(t *turn) ([]store.Message, error) {
	transcript, err := p.store.LoadTranscript(t.ctx, t.chat.ID)
	if err != nil {
		return nil, err
	}
	msgs := transcript.Messages
	for i, m := range msgs {
		if m.ID == t.reply.ID {
			return msgs[:i], nil
		}
	}
	return msgs, nil
}

// selectTools runs the tool-selection round. A model without tool support
// is answered without tools.
func (p *Pipeline) selectTools(t *turn, params provider.ChatParams, capable bool) (provider.ChatParams, error) {
	var (
		sel *tools.Selection
		err error
	)
	if t.gen.Tools == ToolsSingle {
		sel, err = p.tools.SelectOnly(t.ctx, t.inst.Client(), params, capable, t.gen.Tool)
	} else {
		sel, err = p.tools.Select(t.ctx, t.inst.Client(), params, capable)
	}
	switch {
	case errors.Is(err, provider.ErrToolsUnsupported):
		p.toast(t.chat.ID, fmt.Sprintf("%s does not support tools, answering without them", t.model))
		return params, nil
	case provider.IsCancelled(err):
		return params, err
	case err != nil:
		p.log.Warnw("tool selection failed", "chat", t.chat.ID, "error", err)
		p.toast(t.chat.ID, "Tool selection failed, answering without tools")
		return params, nil
	}

	for _, a := range sel.Attachments {
		a.MessageID = t.reply.ID
		if a.ID == "" {
			a.ID = store.NewID()
		}
		t.attachments = append(t.attachments, a)
		p.emit(Event{Kind: AttachmentAdded, ChatID: t.chat.ID, MessageID: t.reply.ID, Attachment: &a})
	}
	t.announced = len(t.attachments)
	return sel.Apply(params), nil
}

func (p *Pipeline) stream(t *turn, params provider.ChatParams) (*provider.Completion, error) {
	parser := blocks.NewStream()
	buf := newDeltaBuffer(p.interval)
	flush := func() {
		if !buf.pending() {
			return
		}
		content, thinking := buf.flush()
		p.emit(Event{Kind: MessageDelta, ChatID: t.chat.ID, MessageID: t.reply.ID, Content: content, Thinking: thinking})
	}

	completion, err := t.inst.Client().StreamChat(t.ctx, params, func(c provider.Chunk) {
		if sealed := parser.Write(c.Content); len(sealed) > 0 {
			flush()
			p.emit(Event{Kind: BlocksSealed, ChatID: t.chat.ID, MessageID: t.reply.ID, Blocks: sealed})
		}
		if buf.write(c.Content, c.Thinking) {
			flush()
		}
	})
	flush()
	if completion == nil {
		completion = &provider.Completion{}
	}
	if completion.Content == "" {
		completion.Content = parser.Text()
	}
	return completion, err
}

// finish persists the reply and reports the outcome. Whatever was
// received is kept, also on error.
func (p *Pipeline) finish(t *turn, c *provider.Completion, genErr error) {
	ctx := context.WithoutCancel(t.ctx)
	log := p.log.With("chat", t.chat.ID, "message", t.reply.ID)

	answer, thoughts := blocks.SplitThoughts(blocks.StripSolution(c.Content))
	if c.Thinking != "" {
		thoughts = append([]string{strings.TrimSpace(c.Thinking)}, thoughts...)
	}
	if len(thoughts) > 0 {
		t.addAttachment(store.KindThought, ThoughtName, strings.Join(thoughts, "\n\n"))
	}
	if genErr == nil && t.inst.Props.ShowResponseMetadata {
		if md := metadataMarkdown(c); md != "" {
			t.addAttachment(store.KindMetadata, MetadataName, md)
		}
	}
	if genErr != nil && provider.IsKind(genErr, provider.KindAuth) && answer == "" {
		answer = p.authNotice(t)
	}
	t.reply.Content = answer

	ev := Event{Kind: MessageFinished, ChatID: t.chat.ID, MessageID: t.reply.ID, Message: t.reply, Err: genErr}
	if answer == "" && len(t.attachments) == 0 {
		if t.existing {
			if err := p.store.DeleteMessage(ctx, t.reply.ID); err != nil {
				log.Warnw("delete empty reply", "error", err)
			}
		}
		ev.Discarded = true
	} else if err := p.persist(ctx, t); err != nil {
		log.Errorw("save reply", "error", err)
		if genErr == nil {
			genErr, ev.Err = err, err
		}
	} else {
		for i := t.announced; i < len(t.attachments); i++ {
			p.emit(Event{Kind: AttachmentAdded, ChatID: t.chat.ID, MessageID: t.reply.ID, Attachment: &t.attachments[i]})
		}
		ev.Blocks = blocks.Parse(answer)
		ev.Text = util.TruncateRunes(answer, previewLength, "…")
	}
	p.emit(ev)

	switch {
	case genErr == nil:
		log.Infow("reply finished", "length", len(answer))
	case provider.IsCancelled(genErr) || errors.Is(genErr, context.Canceled):
		log.Infow("reply cancelled", "length", len(answer))
	default:
		log.Warnw("reply failed", "error", genErr)
		p.toast(t.chat.ID, "Message generation failed: "+genErr.Error())
	}
}

func (t *turn) addAttachment(kind store.AttachmentKind, name, content string) {
	t.attachments = append(t.attachments, store.Attachment{
		ID:        store.NewID(),
		MessageID: t.reply.ID,
		Kind:      kind,
		Name:      name,
		Content:   content,
	})
}

func (p *Pipeline) persist(ctx context.Context, t *turn) error {
	if err := p.store.UpsertMessage(ctx, t.reply); err != nil {
		return err
	}
	for i := range t.attachments {
		if err := p.store.InsertAttachment(ctx, &t.attachments[i]); err != nil {
			return err
		}
	}
	return nil
}

// authNotice explains a rejected Ollama request. External instances get a
// link to the sign-in documentation.
func (p *Pipeline) authNotice(t *turn) string {
	switch t.inst.Info.Type {
	case instance.TypeOllamaCloud:
		return "🦙 Please verify that the API key provided in the instance preferences is valid."
	case instance.TypeOllama:
		t.addAttachment(store.KindLink, "Ollama Login Tutorial", "https://docs.ollama.com/api/authentication")
		return "🦙 Just a quick heads-up! To access the Ollama cloud models, you'll need to log into your Ollama account first from the server."
	case instance.TypeManaged:
		return "🦙 Just a quick heads-up! To access the Ollama cloud models, you'll need to log into your Ollama account first."
	}
	return ""
}

func (p *Pipeline) toast(chatID, text string) {
	p.emit(Event{Kind: Toast, ChatID: chatID, Text: text})
}

// =============================================================================
// TITLES
// =============================================================================

// spawnTitle names a chat still called "New Chat" from its last user
// message. OpenAI-family instances only do so before the first reply.
func (p *Pipeline) spawnTitle(t *turn, history []store.Message) {
	if p.titles == nil || !strings.HasPrefix(t.chat.Name, title.Fallback) {
		return
	}
	var prompt string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == store.RoleUser {
			prompt = history[i].Content
			break
		}
	}
	if strings.TrimSpace(prompt) == "" {
		return
	}
	if t.inst.Info.Family == instance.FamilyOpenAI {
		for _, m := range history {
			if m.Role == store.RoleAssistant {
				return
			}
		}
	}

	req := title.FromInstance(t.inst, t.inst.TitleModel(nil, t.model), prompt)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		name, err := p.titles.Generate(p.ctx, req)
		if err != nil {
			p.log.Debugw("title generation failed", "chat", t.chat.ID, "error", err)
			return
		}
		if err := p.store.RenameChat(context.WithoutCancel(p.ctx), t.chat.ID, name); err != nil {
			p.log.Warnw("rename chat", "chat", t.chat.ID, "error", err)
			return
		}
		p.emit(Event{Kind: ChatRenamed, ChatID: t.chat.ID, Name: name})
	}()
}
