package storage

import (
	"testing"
)

func TestEnsureThreadCreatesOnce(t *testing.T) {
	store := newTestStore(t)

	first, err := store.EnsureThread("msg-1")
	if err != nil {
		t.Fatalf("EnsureThread() error = %v", err)
	}
	if first.ID == "" {
		t.Fatal("EnsureThread() returned empty id")
	}
	if first.VisualState != "open" {
		t.Errorf("new thread state = %q, want open", first.VisualState)
	}

	second, err := store.EnsureThread("msg-1")
	if err != nil {
		t.Fatalf("second EnsureThread() error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("EnsureThread() created a second thread: %q vs %q", second.ID, first.ID)
	}

	other, err := store.EnsureThread("msg-2")
	if err != nil {
		t.Fatalf("EnsureThread(msg-2) error = %v", err)
	}
	if other.ID == first.ID {
		t.Error("threads for different messages share an id")
	}
}

func TestEnsureThreadRequiresMessageID(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.EnsureThread("  "); err == nil {
		t.Error("expected error for blank message id")
	}
}

func TestGetThreadByMessage(t *testing.T) {
	store := newTestStore(t)

	created, err := store.EnsureThread("msg-1")
	if err != nil {
		t.Fatalf("EnsureThread() error = %v", err)
	}

	got, err := store.GetThreadByMessage("msg-1")
	if err != nil {
		t.Fatalf("GetThreadByMessage() error = %v", err)
	}
	if got == nil || got.ID != created.ID {
		t.Errorf("GetThreadByMessage() = %+v, want id %q", got, created.ID)
	}

	missing, err := store.GetThreadByMessage("msg-never")
	if err != nil {
		t.Fatalf("GetThreadByMessage(missing) error = %v", err)
	}
	if missing != nil {
		t.Errorf("GetThreadByMessage(missing) = %+v, want nil", missing)
	}
}

func TestUpdateThreadMeta(t *testing.T) {
	store := newTestStore(t)

	thread, err := store.EnsureThread("msg-1")
	if err != nil {
		t.Fatalf("EnsureThread() error = %v", err)
	}

	position := `{"x":120,"y":48}`
	size := `{"width":360,"height":240}`
	if err := store.UpdateThreadMeta(thread.ID, position, size, "minimized"); err != nil {
		t.Fatalf("UpdateThreadMeta() error = %v", err)
	}

	got, err := store.GetThread(thread.ID)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if got.PositionJSON != position || got.SizeJSON != size || got.VisualState != "minimized" {
		t.Errorf("thread meta not persisted: %+v", got)
	}

	if err := store.UpdateThreadMeta("no-such-thread", "", "", "open"); err == nil {
		t.Error("expected error updating missing thread")
	}
}

func TestAddSnippetDedup(t *testing.T) {
	store := newTestStore(t)

	thread, err := store.EnsureThread("msg-1")
	if err != nil {
		t.Fatalf("EnsureThread() error = %v", err)
	}

	first, err := store.AddSnippet(thread.ID, "selected passage")
	if err != nil {
		t.Fatalf("AddSnippet() error = %v", err)
	}
	dup, err := store.AddSnippet(thread.ID, "selected passage")
	if err != nil {
		t.Fatalf("duplicate AddSnippet() error = %v", err)
	}
	if dup.ID != first.ID {
		t.Errorf("duplicate text created a new snippet: %q vs %q", dup.ID, first.ID)
	}

	// Whitespace variants are distinct snippets.
	variant, err := store.AddSnippet(thread.ID, "selected passage ")
	if err != nil {
		t.Fatalf("variant AddSnippet() error = %v", err)
	}
	if variant.ID == first.ID {
		t.Error("whitespace variant deduplicated against original")
	}

	snippets, err := store.ListSnippets(thread.ID)
	if err != nil {
		t.Fatalf("ListSnippets() error = %v", err)
	}
	if len(snippets) != 2 {
		t.Errorf("ListSnippets() returned %d snippets, want 2", len(snippets))
	}
}

func TestThreadMessagesRoundTrip(t *testing.T) {
	store := newTestStore(t)

	thread, err := store.EnsureThread("msg-1")
	if err != nil {
		t.Fatalf("EnsureThread() error = %v", err)
	}
	snippet, err := store.AddSnippet(thread.ID, "context")
	if err != nil {
		t.Fatalf("AddSnippet() error = %v", err)
	}

	user := &ThreadMessageRecord{
		ThreadID:  thread.ID,
		Role:      "user",
		Content:   "what does this mean?",
		SnippetID: snippet.ID,
	}
	if err := store.SaveThreadMessage(user); err != nil {
		t.Fatalf("SaveThreadMessage(user) error = %v", err)
	}
	if user.ID == 0 {
		t.Error("SaveThreadMessage did not assign an id")
	}

	assistant := &ThreadMessageRecord{
		ThreadID:    thread.ID,
		Role:        "assistant",
		Content:     "it refers to",
		IsTruncated: true,
	}
	if err := store.SaveThreadMessage(assistant); err != nil {
		t.Fatalf("SaveThreadMessage(assistant) error = %v", err)
	}

	messages, err := store.ListThreadMessages(thread.ID)
	if err != nil {
		t.Fatalf("ListThreadMessages() error = %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("ListThreadMessages() returned %d messages, want 2", len(messages))
	}
	if messages[0].Role != "user" || messages[0].SnippetID != snippet.ID {
		t.Errorf("first message = %+v", messages[0])
	}
	if messages[1].Role != "assistant" || !messages[1].IsTruncated {
		t.Errorf("second message = %+v", messages[1])
	}
}

func TestDeleteThreadCascades(t *testing.T) {
	store := newTestStore(t)

	thread, err := store.EnsureThread("msg-1")
	if err != nil {
		t.Fatalf("EnsureThread() error = %v", err)
	}
	if _, err := store.AddSnippet(thread.ID, "ctx"); err != nil {
		t.Fatalf("AddSnippet() error = %v", err)
	}
	if err := store.SaveThreadMessage(&ThreadMessageRecord{ThreadID: thread.ID, Role: "user", Content: "q"}); err != nil {
		t.Fatalf("SaveThreadMessage() error = %v", err)
	}

	if err := store.DeleteThread(thread.ID); err != nil {
		t.Fatalf("DeleteThread() error = %v", err)
	}

	if got, _ := store.GetThread(thread.ID); got != nil {
		t.Errorf("thread still present after delete: %+v", got)
	}
	snippets, err := store.ListSnippets(thread.ID)
	if err != nil {
		t.Fatalf("ListSnippets() error = %v", err)
	}
	if len(snippets) != 0 {
		t.Errorf("snippets survived thread delete: %v", snippets)
	}
	messages, err := store.ListThreadMessages(thread.ID)
	if err != nil {
		t.Fatalf("ListThreadMessages() error = %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("messages survived thread delete: %v", messages)
	}
}
