package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/accreditation-portal/messaging/internal/model"
)

// ErrSuperseded is returned by Open when a later Open replaced it before its
// history fetch completed. The fetched result was discarded.
var ErrSuperseded = errors.New("conversation switch superseded")

// State is the load state of the open conversation.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Source records where a timeline entry came from.
type Source int

const (
	SourcePersisted Source = iota
	SourceLive
	SourceOptimistic
)

// Entry is one message in a reconciled timeline.
type Entry struct {
	// ID is the store id; empty until the message is known to be persisted.
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	At             time.Time
	Source         Source
	// Failed marks an optimistic send the server rejected.
	Failed bool

	seq uint64
}

// Fetcher loads conversation history.
type Fetcher interface {
	History(ctx context.Context, conversationID string, limit int) ([]model.PersistedMessage, error)
}

// Poster sends a message.
type Poster interface {
	Send(ctx context.Context, req *model.SendMessageRequest) (*model.PersistedMessage, error)
}

// ChangeFunc is called with a copy of a conversation's timeline whenever it
// changes. It runs without the Reconciler's lock held.
type ChangeFunc func(conversationID string, entries []Entry)

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides the receipt clock.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// WithHistoryLimit sets the page size requested on Open.
func WithHistoryLimit(n int) ReconcilerOption {
	return func(r *Reconciler) { r.limit = n }
}

// WithPoster enables Send.
func WithPoster(p Poster) ReconcilerOption {
	return func(r *Reconciler) { r.poster = p }
}

// Reconciler merges fetched history and live pushes into one ordered
// timeline per conversation. One conversation is open at a time; pushes
// for any other conversation are held in a per-conversation buffer until it
// is opened.
type Reconciler struct {
	mu sync.Mutex

	self   string
	fetch  Fetcher
	poster Poster
	now    func() time.Time
	limit  int

	active string
	state  State
	err    error
	gen    uint64
	seq    uint64

	timelines map[string][]Entry
	buffers   map[string][]Entry

	onChange ChangeFunc
}

// NewReconciler creates a Reconciler for the signed-in user self.
func NewReconciler(self string, fetch Fetcher, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		self:      self,
		fetch:     fetch,
		now:       time.Now,
		timelines: make(map[string][]Entry),
		buffers:   make(map[string][]Entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange registers the render hook.
func (r *Reconciler) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Active returns the open conversation id.
func (r *Reconciler) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// State returns the load state of the open conversation.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the last fetch error while State is StateFailed.
func (r *Reconciler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Timeline returns a copy of the retained timeline of a conversation.
func (r *Reconciler) Timeline(conversationID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.timelines[conversationID]...)
}

// Pending returns how many pushes wait in a conversation's buffer.
func (r *Reconciler) Pending(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers[conversationID])
}

// Open switches to a conversation and loads its history. The timeline of the
// conversation being left first absorbs its buffered pushes so nothing is
// lost. If another Open starts before this one's fetch returns, this one
// returns ErrSuperseded and changes nothing.
func (r *Reconciler) Open(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	if r.active != "" && r.active != conversationID {
		r.flushLocked(r.active)
	}
	r.active = conversationID
	r.state = StateLoading
	r.err = nil
	r.gen++
	gen := r.gen
	notify := r.snapshotLocked(conversationID)
	r.mu.Unlock()
	notify()

	history, err := r.fetch.History(ctx, conversationID, r.limit)

	r.mu.Lock()
	if r.gen != gen || r.active != conversationID {
		r.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		r.state = StateFailed
		r.err = err
		r.mu.Unlock()
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	r.timelines[conversationID] = r.mergeLocked(history, r.timelines[conversationID], r.buffers[conversationID])
	delete(r.buffers, conversationID)
	r.state = StateReady
	notify = r.snapshotLocked(conversationID)
	r.mu.Unlock()
	notify()

	return nil
}

// Resync re-fetches the open conversation, typically after the live channel
// reconnects. The timeline stays visible while loading.
func (r *Reconciler) Resync(ctx context.Context) error {
	id := r.Active()
	if id == "" {
		return nil
	}
	return r.Open(ctx, id)
}

// Receive accepts a live push. It is stamped with the local receipt time.
func (r *Reconciler) Receive(msg model.DeliveredMessage) {
	r.mu.Lock()
	convID := r.conversationOf(msg)
	r.seq++
	e := Entry{
		ClientID:       msg.ClientID,
		ConversationID: convID,
		SenderID:       msg.From,
		SenderName:     msg.FromName,
		Text:           msg.Message,
		At:             r.now(),
		Source:         SourceLive,
		seq:            r.seq,
	}

	if convID == r.active && r.state == StateReady {
		r.timelines[convID] = insertEntry(r.timelines[convID], e)
		notify := r.snapshotLocked(convID)
		r.mu.Unlock()
		notify()
		return
	}

	r.buffers[convID] = insertEntry(r.buffers[convID], e)
	r.mu.Unlock()
}

// Send appends an optimistic entry and posts the message. The optimistic
// entry is replaced by the persisted copy on success and marked Failed
// otherwise; either way it is never duplicated by a later echo.
func (r *Reconciler) Send(ctx context.Context, recipientID string, kind model.RecipientType, text string) (Entry, error) {
	if r.poster == nil {
		return Entry{}, errors.New("reconciler has no poster")
	}

	var convID string
	switch kind {
	case model.RecipientGroup:
		convID = model.GroupConversationID(recipientID)
	case model.RecipientUser, "":
		kind = model.RecipientUser
		convID = model.DirectConversationID(r.self, recipientID)
	default:
		return Entry{}, fmt.Errorf("unknown recipient type %q", kind)
	}

	r.mu.Lock()
	r.seq++
	e := Entry{
		ClientID:       uuid.NewString(),
		ConversationID: convID,
		SenderID:       r.self,
		Text:           text,
		At:             r.now(),
		Source:         SourceOptimistic,
		seq:            r.seq,
	}
	r.placeLocked(e)
	notify := r.snapshotLocked(convID)
	r.mu.Unlock()
	notify()

	msg, err := r.poster.Send(ctx, &model.SendMessageRequest{
		RecipientID: recipientID,
		Message:     text,
		Type:        kind,
		ClientID:    e.ClientID,
	})

	r.mu.Lock()
	if err != nil {
		e.Failed = true
		r.updateLocked(convID, e.ClientID, func(x *Entry) { x.Failed = true })
	} else {
		e.ID = msg.ID
		e.SenderName = msg.SenderName
		e.At = msg.CreatedAt
		e.Source = SourcePersisted
		r.updateLocked(convID, e.ClientID, func(x *Entry) {
			x.ID = msg.ID
			x.SenderName = msg.SenderName
			x.At = msg.CreatedAt
			x.Source = SourcePersisted
			x.Failed = false
		})
	}
	notify = r.snapshotLocked(convID)
	r.mu.Unlock()
	notify()

	if err != nil {
		return e, fmt.Errorf("failed to send message: %w", err)
	}
	return e, nil
}

// conversationOf derives the conversation of a push that lacks an id.
func (r *Reconciler) conversationOf(msg model.DeliveredMessage) string {
	switch {
	case msg.ConversationID != "":
		return msg.ConversationID
	case msg.Group != "":
		return model.GroupConversationID(msg.Group)
	default:
		return model.DirectConversationID(msg.From, r.self)
	}
}

// placeLocked puts e in the open timeline when it is ready, else in the
// conversation's buffer.
func (r *Reconciler) placeLocked(e Entry) {
	if e.ConversationID == r.active && r.state == StateReady {
		r.timelines[e.ConversationID] = insertEntry(r.timelines[e.ConversationID], e)
		return
	}
	r.buffers[e.ConversationID] = insertEntry(r.buffers[e.ConversationID], e)
}

func (r *Reconciler) updateLocked(convID, clientID string, fn func(*Entry)) {
	for _, list := range []map[string][]Entry{r.timelines, r.buffers} {
		entries := list[convID]
		for i := range entries {
			if entries[i].ClientID == clientID {
				fn(&entries[i])
				sortEntries(entries)
				return
			}
		}
	}
}

// flushLocked moves a conversation's buffered pushes into its timeline.
func (r *Reconciler) flushLocked(convID string) {
	buf := r.buffers[convID]
	if len(buf) == 0 {
		return
	}
	tl := r.timelines[convID]
	for _, e := range buf {
		tl = insertEntry(tl, e)
	}
	r.timelines[convID] = tl
	delete(r.buffers, convID)
}

// mergeLocked builds a timeline from fresh history, the entries retained
// from earlier and the buffered pushes. Fetched messages win over any
// retained or buffered entry with the same store id or correlation id.
func (r *Reconciler) mergeLocked(history []model.PersistedMessage, retained, buffered []Entry) []Entry {
	out := make([]Entry, 0, len(history)+len(retained)+len(buffered))
	confirmed := make(map[string]struct{}, len(history))
	ids := make(map[string]struct{}, len(history))
	prior := make(map[string]uint64)
	for _, e := range retained {
		if e.ClientID != "" {
			prior[e.ClientID] = e.seq
		}
	}

	for _, m := range history {
		e := Entry{
			ID:             m.ID,
			ClientID:       m.ClientID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			SenderName:     m.SenderName,
			Text:           m.Message,
			At:             m.CreatedAt,
			Source:         SourcePersisted,
		}
		if seq, ok := prior[m.ClientID]; ok && m.ClientID != "" {
			e.seq = seq
		} else {
			r.seq++
			e.seq = r.seq
		}
		if m.ClientID != "" {
			confirmed[m.ClientID] = struct{}{}
		}
		ids[m.ID] = struct{}{}
		out = append(out, e)
	}

	for _, group := range [][]Entry{retained, buffered} {
		for _, e := range group {
			if _, ok := ids[e.ID]; ok && e.ID != "" {
				continue
			}
			if _, ok := confirmed[e.ClientID]; ok && e.ClientID != "" {
				continue
			}
			out = insertEntry(out, e)
		}
	}

	sortEntries(out)
	return out
}

func (r *Reconciler) snapshotLocked(convID string) func() {
	fn := r.onChange
	if fn == nil || convID != r.active {
		return func() {}
	}
	entries := append([]Entry(nil), r.timelines[convID]...)
	return func() { fn(convID, entries) }
}

// insertEntry adds e keeping (At, seq) order. An entry whose correlation id
// is already present replaces an optimistic one and is otherwise dropped.
func insertEntry(list []Entry, e Entry) []Entry {
	if e.ClientID != "" {
		for i := range list {
			if list[i].ClientID != e.ClientID {
				continue
			}
			if list[i].Source == SourceOptimistic && e.Source != SourceOptimistic {
				e.seq = list[i].seq
				list[i] = e
				sortEntries(list)
			}
			return list
		}
	}

	i := sort.Search(len(list), func(i int) bool { return less(e, list[i]) })
	list = append(list, Entry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func less(a, b Entry) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.seq < b.seq
}

func sortEntries(list []Entry) {
	sort.SliceStable(list, func(i, j int) bool { return less(list[i], list[j]) })
}
