// Package workflow ties an editable outline to the report stream generated from it.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"esg_report_studio/generator"
	"esg_report_studio/outline"
	"esg_report_studio/stream"
)

var (
	ErrNoTopic   = errors.New("workflow: topic is empty")
	ErrNoOutline = errors.New("workflow: outline is empty")
	// ErrTopicChanged means the topic moved on while an outline was drafted;
	// the drafted outline is dropped.
	ErrTopicChanged = errors.New("workflow: topic changed during outline generation")
)

// OutlineService drafts an outline for a topic.
type OutlineService interface {
	GenerateOutline(ctx context.Context, req generator.OutlineRequest) (generator.OutlineResult, error)
}

// ReportService starts a report stream that feeds in.
type ReportService interface {
	StartReport(ctx context.Context, spec generator.ReportSpec, in *stream.Ingester) *stream.Handle
}

// Services are the collaborators of a Session. NewID may be nil.
type Services struct {
	Outlines OutlineService
	Reports  ReportService
	NewID    outline.IDFunc
}

type EventKind int

const (
	TreeChanged EventKind = iota
	ReportChanged
)

// Event is delivered to subscribers after every state change.
type Event struct {
	Kind   EventKind
	Tree   outline.Tree
	Report stream.Buffer
}

type listener struct {
	id int
	fn func(Event)
}

// Session owns one report workflow: topic, template text, outline tree and
// the report buffer. Methods are safe for concurrent use.
type Session struct {
	id     string
	svc    Services
	logger *slog.Logger
	in     *stream.Ingester

	// runMu orders starts and cancels of the report stream.
	runMu sync.Mutex

	mu       sync.Mutex
	topic    string
	template string
	tree     outline.Tree
	handle   *stream.Handle

	lmu       sync.Mutex
	nextSub   int
	listeners []listener

	unwatch func()
}

func NewSession(id, topic string, svc Services, logger *slog.Logger) (*Session, error) {
	if svc.Outlines == nil || svc.Reports == nil {
		return nil, errors.New("workflow: outline and report services are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:     id,
		svc:    svc,
		logger: logger.With("session", id),
		in:     stream.NewIngester(),
		topic:  strings.TrimSpace(topic),
	}
	s.unwatch = s.in.Subscribe(func(b stream.Buffer) {
		s.emit(Event{Kind: ReportChanged, Tree: s.Tree(), Report: b})
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

func (s *Session) TemplateText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.template
}

func (s *Session) Tree() outline.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// SetTopic changes the topic. A different topic discards the current outline
// and template text.
func (s *Session) SetTopic(topic string) {
	topic = strings.TrimSpace(topic)
	s.mu.Lock()
	if topic == s.topic {
		s.mu.Unlock()
		return
	}
	s.topic = topic
	s.template = ""
	s.tree = outline.Tree{}
	s.mu.Unlock()
	s.emit(Event{Kind: TreeChanged, Report: s.in.Snapshot()})
}

// GenerateOutline drafts a new outline for the topic and replaces the tree
// wholesale. On failure the previous tree is kept.
func (s *Session) GenerateOutline(ctx context.Context) (outline.Tree, error) {
	return s.draft(ctx, false)
}

// RegenerateOutline asks for a revision of the current outline. With no
// outline yet it behaves like GenerateOutline.
func (s *Session) RegenerateOutline(ctx context.Context) (outline.Tree, error) {
	return s.draft(ctx, true)
}

func (s *Session) draft(ctx context.Context, revise bool) (outline.Tree, error) {
	s.mu.Lock()
	req := generator.OutlineRequest{Topic: s.topic}
	if revise {
		req.Previous = s.tree.Serialize().Chapters
	}
	s.mu.Unlock()
	if req.Topic == "" {
		return outline.Tree{}, ErrNoTopic
	}
	res, err := s.svc.Outlines.GenerateOutline(ctx, req)
	if err != nil {
		s.logger.Warn("outline generation failed", "topic", req.Topic, "err", err)
		return s.Tree(), err
	}
	tree, ok := s.install(req.Topic, res.TemplateText, res.Outline)
	if !ok {
		s.logger.Info("outline dropped, topic changed", "topic", req.Topic)
		return tree, ErrTopicChanged
	}
	s.logger.Info("outline generated", "topic", req.Topic, "nodes", tree.Len(), "revised", len(req.Previous) > 0)
	return tree, nil
}

// LoadOutline replaces the tree with raw, assigning ids where missing.
func (s *Session) LoadOutline(template string, raw []outline.RawNode) outline.Tree {
	tree, _ := s.install("", template, raw)
	return tree
}

// install swaps in raw unless topic is set and no longer the session topic;
// in that case the current tree is returned with false.
func (s *Session) install(topic, template string, raw []outline.RawNode) (outline.Tree, bool) {
	tree := outline.Normalize(raw, s.svc.NewID)
	s.mu.Lock()
	if topic != "" && topic != s.topic {
		cur := s.tree
		s.mu.Unlock()
		return cur, false
	}
	s.template = template
	s.tree = tree
	s.mu.Unlock()
	s.emit(Event{Kind: TreeChanged, Tree: tree, Report: s.in.Snapshot()})
	return tree, true
}

// ReplaceTree swaps in a tree edited elsewhere, such as a client holding its
// own copy. Trees with empty or repeated ids are rejected.
func (s *Session) ReplaceTree(tree outline.Tree) error {
	if err := tree.Validate(); err != nil {
		return err
	}
	s.update(func(outline.Tree) outline.Tree { return tree })
	return nil
}

func (s *Session) EditTitle(id, title string) outline.Tree {
	return s.update(func(t outline.Tree) outline.Tree { return t.EditTitle(id, title) })
}

// AddChild appends a placeholder child to parentID and returns its id, or ""
// when parentID is not in the tree.
func (s *Session) AddChild(parentID string) (outline.Tree, string) {
	var added string
	tree := s.update(func(t outline.Tree) outline.Tree {
		next, id := t.InsertChild(parentID, s.svc.NewID)
		added = id
		return next
	})
	return tree, added
}

func (s *Session) DeleteNode(id string) outline.Tree {
	return s.update(func(t outline.Tree) outline.Tree { return t.DeleteNode(id) })
}

func (s *Session) ReorderSiblings(containerID string, from, to int) outline.Tree {
	return s.update(func(t outline.Tree) outline.Tree { return t.ReorderSiblings(containerID, from, to) })
}

func (s *Session) update(op func(outline.Tree) outline.Tree) outline.Tree {
	s.mu.Lock()
	next := op(s.tree)
	s.tree = next
	s.mu.Unlock()
	s.emit(Event{Kind: TreeChanged, Tree: next, Report: s.in.Snapshot()})
	return next
}

// StartReport serializes the current tree and starts streaming the report. A
// stream still in flight is cancelled first.
func (s *Session) StartReport(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	topic, tree, prev := s.topic, s.tree, s.handle
	s.mu.Unlock()
	if topic == "" {
		return ErrNoTopic
	}
	if tree.Empty() {
		return ErrNoOutline
	}
	if prev != nil {
		prev.Cancel()
	}

	spec := generator.ReportSpec{Topic: topic, Outline: tree.Serialize()}
	h := s.svc.Reports.StartReport(ctx, spec, s.in)
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	s.logger.Info("report started", "topic", topic, "chapters", len(spec.Outline.Chapters))
	return nil
}

// CancelReport aborts the running stream, keeping what has arrived so far.
func (s *Session) CancelReport() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return
	}
	h.Cancel()
	s.logger.Info("report cancelled", "chars", len(s.in.Snapshot().Text))
}

// Report returns the current report buffer.
func (s *Session) Report() stream.Buffer { return s.in.Snapshot() }

// Wait blocks until the running stream ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (stream.Buffer, error) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return s.in.Snapshot(), nil
	}
	select {
	case <-h.Done():
		return s.in.Snapshot(), nil
	case <-ctx.Done():
		return s.in.Snapshot(), ctx.Err()
	}
}

// Subscribe registers fn for every tree and report change. fn may run on the
// stream goroutine and must not block.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) emit(ev Event) {
	s.lmu.Lock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, l := range s.listeners {
		fns = append(fns, l.fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Close cancels any running stream and drops the report subscription.
func (s *Session) Close() {
	s.CancelReport()
	s.unwatch()
}
