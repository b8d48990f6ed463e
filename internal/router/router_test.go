package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loopgateway/loopgw/internal/agent"
	"github.com/loopgateway/loopgw/internal/channels"
	"github.com/loopgateway/loopgw/internal/runner"
	"github.com/loopgateway/loopgw/internal/sessions"
	"github.com/loopgateway/loopgw/internal/storage"
	"github.com/loopgateway/loopgw/pkg/models"
)

// --- fakes -----------------------------------------------------------

type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }

func (fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.CompletionChunk, error) {
	out := make(chan agent.CompletionChunk, 1)
	last := ""
	if len(req.Messages) > 0 {
		last = req.Messages[len(req.Messages)-1].Content
	}
	out <- agent.CompletionChunk{Text: "echo: " + last}
	close(out)
	return out, nil
}

type fakeBranchStore struct {
	mu       sync.Mutex
	primary  map[string]*models.Branch // sessionID -> primary branch
	messages map[string][]*models.Message
}

func newFakeBranchStore() *fakeBranchStore {
	return &fakeBranchStore{
		primary:  make(map[string]*models.Branch),
		messages: make(map[string][]*models.Message),
	}
}

func (s *fakeBranchStore) EnsurePrimaryBranch(ctx context.Context, sessionID string) (*models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.primary[sessionID]; ok {
		return b, nil
	}
	b := models.NewPrimaryBranch(sessionID)
	b.ID = uuid.NewString()
	s.primary[sessionID] = b
	return b, nil
}

func (s *fakeBranchStore) GetPrimaryBranch(ctx context.Context, sessionID string) (*models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.primary[sessionID]
	if !ok {
		return nil, sessions.ErrBranchNotFound
	}
	return b, nil
}

func (s *fakeBranchStore) GetBranchHistory(ctx context.Context, branchID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Message{}, s.messages[branchID]...), nil
}

func (s *fakeBranchStore) AppendMessageToBranch(ctx context.Context, sessionID, branchID string, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[branchID] = append(s.messages[branchID], msg)
	return nil
}

func (s *fakeBranchStore) ResetPrimaryBranch(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.primary[sessionID]
	if !ok {
		return 0, nil
	}
	n := len(s.messages[b.ID])
	s.messages[b.ID] = nil
	return n, nil
}

func (s *fakeBranchStore) GetBranchStats(ctx context.Context, branchID string) (*models.BranchStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.BranchStats{BranchID: branchID, TotalMessages: len(s.messages[branchID])}, nil
}

func (s *fakeBranchStore) CreateBranch(ctx context.Context, branch *models.Branch) error { return nil }
func (s *fakeBranchStore) GetBranch(ctx context.Context, branchID string) (*models.Branch, error) {
	return nil, sessions.ErrBranchNotFound
}
func (s *fakeBranchStore) UpdateBranch(ctx context.Context, branch *models.Branch) error { return nil }
func (s *fakeBranchStore) DeleteBranch(ctx context.Context, branchID string, deleteMessages bool) error {
	return sessions.ErrCannotDeletePrimary
}
func (s *fakeBranchStore) ListBranches(ctx context.Context, sessionID string, opts sessions.BranchListOptions) ([]*models.Branch, error) {
	return nil, nil
}
func (s *fakeBranchStore) GetBranchTree(ctx context.Context, sessionID string) (*models.BranchTree, error) {
	return nil, nil
}
func (s *fakeBranchStore) GetFullBranchPath(ctx context.Context, branchID string) (*models.BranchPath, error) {
	return nil, nil
}
func (s *fakeBranchStore) ForkBranch(ctx context.Context, parentBranchID string, branchPoint int64, name string) (*models.Branch, error) {
	return nil, nil
}
func (s *fakeBranchStore) MergeBranch(ctx context.Context, sourceBranchID, targetBranchID string, strategy models.MergeStrategy) (*models.BranchMerge, error) {
	return nil, nil
}
func (s *fakeBranchStore) ArchiveBranch(ctx context.Context, branchID string) error { return nil }
func (s *fakeBranchStore) CompareBranches(ctx context.Context, sourceBranchID, targetBranchID string) (*models.BranchCompare, error) {
	return nil, nil
}
func (s *fakeBranchStore) GetBranchHistoryFromSequence(ctx context.Context, branchID string, fromSequence int64, limit int) ([]*models.Message, error) {
	return nil, nil
}
func (s *fakeBranchStore) GetBranchOwnMessages(ctx context.Context, branchID string, limit int) ([]*models.Message, error) {
	return nil, nil
}
func (s *fakeBranchStore) MigrateSessionToBranches(ctx context.Context, sessionID string) error {
	return nil
}

type fakeSessionStore struct {
	mu       sync.Mutex
	byID     map[string]*models.Session
	byKey    map[string]*models.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{byID: make(map[string]*models.Session), byKey: make(map[string]*models.Session)}
}

func keyFor(channel models.ChannelType, channelID, key string) string {
	return fmt.Sprintf("%s|%s|%s", channel, channelID, key)
}

func (s *fakeSessionStore) Create(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyFor(session.Channel, session.ChannelID, session.Key)
	if _, ok := s.byKey[k]; ok {
		return storage.ErrAlreadyExists
	}
	s.byID[session.ID] = session
	s.byKey[k] = session
	return nil
}

func (s *fakeSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return sess, nil
}

func (s *fakeSessionStore) GetByKey(ctx context.Context, channel models.ChannelType, channelID, key string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byKey[keyFor(channel, channelID, key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return sess, nil
}

func (s *fakeSessionStore) Update(ctx context.Context, session *models.Session) error { return nil }

func (s *fakeSessionStore) List(ctx context.Context, limit, offset int) ([]*models.Session, int, error) {
	return nil, 0, nil
}

type fakeAdapter struct {
	channelType models.ChannelType
	mu          sync.Mutex
	sent        []*models.Message
}

func (a *fakeAdapter) Type() models.ChannelType { return a.channelType }

func (a *fakeAdapter) Send(ctx context.Context, msg *models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return nil
}

func (a *fakeAdapter) sentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	for i, m := range a.sent {
		out[i] = m.Content
	}
	return out
}

// --- helpers -----------------------------------------------------------

func newTestRouter(t *testing.T) (*Router, *fakeAdapter, *fakeBranchStore) {
	t.Helper()
	branches := newFakeBranchStore()
	runtime := agent.NewRuntime(fakeProvider{}, branches, &agent.LoopConfig{MaxIterations: 4})
	registry := channels.NewRegistry()
	adapter := &fakeAdapter{channelType: models.ChannelTelegram}
	registry.Register(adapter)

	r := New(runtime, registry, newFakeSessionStore(), branches, agent.NewApprovalChecker(nil), NewBudgetGate(), nil, nil)
	return r, adapter, branches
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// --- tests -----------------------------------------------------------

func TestRouteRunsSingleMessage(t *testing.T) {
	r, adapter, _ := newTestRouter(t)
	msg := &models.Message{
		ID:      uuid.NewString(),
		Channel: models.ChannelTelegram,
		Content: "hello",
		Metadata: map[string]any{"chat_id": "chat-1"},
	}

	if err := r.Route(context.Background(), msg, "My Chat"); err != nil {
		t.Fatalf("Route: %v", err)
	}

	waitFor(t, func() bool { return len(adapter.sentTexts()) == 1 })
	if got := adapter.sentTexts()[0]; got != "echo: hello" {
		t.Fatalf("reply = %q, want %q", got, "echo: hello")
	}
}

// writeFakeSandboxDocker stands in for the docker CLI: it swallows the
// stdin payload and prints a sentinel-framed agent result.
func writeFakeSandboxDocker(t *testing.T) string {
	t.Helper()
	if goruntime.GOOS == "windows" {
		t.Skip("fake docker script assumes a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "docker")
	script := "#!/bin/sh\ncat > /dev/null\n" +
		"echo \"===AGENT_OUTPUT_START===\"\n" +
		"echo '{\"content\":\"sandboxed reply\",\"inputTokens\":9,\"outputTokens\":4}'\n" +
		"echo \"===AGENT_OUTPUT_END===\"\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIsolatedRunRoutesThroughSandbox(t *testing.T) {
	r, adapter, branches := newTestRouter(t)

	sandbox := runner.New(runner.Config{
		Image:     "agent:test",
		DockerBin: writeFakeSandboxDocker(t),
		Timeout:   5 * time.Second,
	}, nil)
	r.SetIsolatedAgent(NewIsolatedAgent(sandbox, branches, IsolatedConfig{
		APIKey: "sk-test", Model: "m", MaxTokens: 64, SystemPrompt: "base",
	}), nil, true)

	msg := &models.Message{
		ID:       uuid.NewString(),
		Channel:  models.ChannelTelegram,
		Content:  "run me isolated",
		Metadata: map[string]any{"chat_id": "chat-iso"},
	}
	if err := r.Route(context.Background(), msg, ""); err != nil {
		t.Fatalf("Route: %v", err)
	}

	waitFor(t, func() bool { return len(adapter.sentTexts()) == 1 })
	if got := adapter.sentTexts()[0]; got != "sandboxed reply" {
		t.Fatalf("reply = %q, want the sandbox payload", got)
	}

	// Both turns were persisted on the branch by the isolated path.
	session, err := r.getOrCreateConversation(context.Background(), models.ChannelTelegram, "chat-iso", "")
	if err != nil {
		t.Fatal(err)
	}
	branch, err := branches.GetPrimaryBranch(context.Background(), session.ID)
	if err != nil {
		t.Fatal(err)
	}
	history, err := branches.GetBranchHistory(context.Background(), branch.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[1].Content != "sandboxed reply" {
		t.Fatalf("branch history = %d messages, want user turn + sandbox reply", len(history))
	}
}

func TestRouteMergesQueuedMessages(t *testing.T) {
	r, adapter, _ := newTestRouter(t)

	// Occupy the conversation's lane by hand, exactly as Route would leave
	// it mid-run, then enqueue two more messages behind it.
	session, err := r.getOrCreateConversation(context.Background(), models.ChannelTelegram, "chat-2", "")
	if err != nil {
		t.Fatalf("getOrCreateConversation: %v", err)
	}

	r.mu.Lock()
	r.lanes[session.ID] = &conversationLane{}
	r.mu.Unlock()

	meta := map[string]any{"chat_id": "chat-2"}
	first := &models.Message{ID: uuid.NewString(), SessionID: session.ID, Channel: models.ChannelTelegram, Content: "first", Metadata: meta}
	second := &models.Message{ID: uuid.NewString(), SessionID: session.ID, Channel: models.ChannelTelegram, Content: "second", Metadata: meta}

	if err := r.Route(context.Background(), first, ""); err != nil {
		t.Fatalf("route first: %v", err)
	}
	if err := r.Route(context.Background(), second, ""); err != nil {
		t.Fatalf("route second: %v", err)
	}
	if got := len(adapter.sentTexts()); got != 2 {
		t.Fatalf("expected 2 queued acks, got %d: %v", got, adapter.sentTexts())
	}

	// Now let the held run finish and observe the merged drain.
	r.runConversation(context.Background(), session, &models.Message{
		ID: uuid.NewString(), SessionID: session.ID, Channel: models.ChannelTelegram, Content: "original", Metadata: meta,
	})

	waitFor(t, func() bool { return len(adapter.sentTexts()) == 4 })
	texts := adapter.sentTexts()
	merged := texts[3]
	if merged != "echo: [Message 1]: first\n\n[Message 2]: second" {
		t.Fatalf("unexpected merged reply: %q", merged)
	}

	r.mu.Lock()
	_, stillProcessing := r.lanes[session.ID]
	r.mu.Unlock()
	if stillProcessing {
		t.Fatal("conversation still marked processing after drain")
	}
}

func TestSlashCommandsShortCircuit(t *testing.T) {
	r, adapter, branches := newTestRouter(t)
	meta := map[string]any{"chat_id": "chat-3"}

	session, err := r.getOrCreateConversation(context.Background(), models.ChannelTelegram, "chat-3", "")
	if err != nil {
		t.Fatalf("getOrCreateConversation: %v", err)
	}
	branch, _ := branches.EnsurePrimaryBranch(context.Background(), session.ID)
	_ = branches.AppendMessageToBranch(context.Background(), session.ID, branch.ID, &models.Message{ID: uuid.NewString()})

	status := &models.Message{ID: uuid.NewString(), Channel: models.ChannelTelegram, Content: "/status", Metadata: meta}
	if err := r.Route(context.Background(), status, ""); err != nil {
		t.Fatalf("route /status: %v", err)
	}

	reset := &models.Message{ID: uuid.NewString(), Channel: models.ChannelTelegram, Content: "/reset", Metadata: meta}
	if err := r.Route(context.Background(), reset, ""); err != nil {
		t.Fatalf("route /reset: %v", err)
	}

	texts := adapter.sentTexts()
	if len(texts) != 2 {
		t.Fatalf("expected 2 replies, got %d: %v", len(texts), texts)
	}
	if texts[0] != "1 message(s) in this conversation." {
		t.Fatalf("status reply = %q", texts[0])
	}
	if texts[1] != "conversation reset. cleared 1 message(s)." {
		t.Fatalf("reset reply = %q", texts[1])
	}

	r.mu.Lock()
	_, processing := r.lanes[session.ID]
	r.mu.Unlock()
	if processing {
		t.Fatal("slash commands must never enter the processing queue")
	}
}

func TestParseSlashCommand(t *testing.T) {
	cases := []struct {
		text    string
		wantCmd command
		wantOK  bool
	}{
		{"/approve abc-123 looks fine", commandApprove, true},
		{"/reject abc-123", commandReject, true},
		{"/reset", commandReset, true},
		{"/status", commandStatus, true},
		{"not a command", "", false},
		{"/unknown", "", false},
	}
	for _, tc := range cases {
		cmd, _, ok := parseSlashCommand(tc.text)
		if ok != tc.wantOK || cmd != tc.wantCmd {
			t.Errorf("parseSlashCommand(%q) = (%q, %v), want (%q, %v)", tc.text, cmd, ok, tc.wantCmd, tc.wantOK)
		}
	}
}
