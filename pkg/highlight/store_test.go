package highlight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	marginerr "github.com/odvcencio/margin/pkg/errors"
)

func TestStoreMutationsNotifyOnce(t *testing.T) {
	store := NewStore(content, nil)

	var notifications []Snapshot
	store.AddObserver(ObserverFunc(func(s Snapshot) {
		notifications = append(notifications, s)
	}))

	inserted, err := store.Apply(0, 10, "yellow")
	require.NoError(t, err)
	require.Len(t, notifications, 1, "apply notifies exactly once")

	require.NoError(t, store.SetNote(inserted.ID, "check this"))
	require.Len(t, notifications, 2)

	require.NoError(t, store.Recolor(inserted.ID, "blue"))
	require.Len(t, notifications, 3)

	require.NoError(t, store.RemoveRange(2, 4))
	require.Len(t, notifications, 4)

	last := notifications[len(notifications)-1]
	require.NoError(t, Validate(last.Highlights))
	assert.Equal(t, content, last.AnnotatedDocument.Text())
}

func TestStoreInvariantUnderEditSequence(t *testing.T) {
	store := NewStore(content, nil)

	_, err := store.Apply(0, 10, "yellow")
	require.NoError(t, err)
	_, err = store.Apply(5, 15, "blue")
	require.NoError(t, err)
	_, err = store.Apply(2, 30, "red")
	require.NoError(t, err)
	require.NoError(t, store.RemoveRange(8, 12))
	_, err = store.Apply(11, 13, "green")
	require.NoError(t, err)

	require.NoError(t, Validate(store.Highlights()))
	assert.Equal(t, content, store.Document().Text())
}

func TestStoreRemoveByID(t *testing.T) {
	store := NewStore(content, nil)
	h, err := store.Apply(3, 9, "yellow")
	require.NoError(t, err)

	require.NoError(t, store.RemoveByID(h.ID))
	assert.Empty(t, store.Highlights())

	err = store.RemoveByID(h.ID)
	require.Error(t, err)
	assert.True(t, marginerr.IsCode(err, marginerr.ErrCodeEditSkipped))
}

func TestStoreEditsOnMissingIDAreSkipped(t *testing.T) {
	store := NewStore(content, nil)

	notified := 0
	store.AddObserver(ObserverFunc(func(Snapshot) { notified++ }))

	assert.True(t, marginerr.IsCode(store.SetNote("ghost", "x"), marginerr.ErrCodeEditSkipped))
	assert.True(t, marginerr.IsCode(store.Recolor("ghost", "red"), marginerr.ErrCodeEditSkipped))
	assert.Zero(t, notified, "skipped edits do not trigger persistence")
}

func TestStoreReplaceDoesNotNotify(t *testing.T) {
	store := NewStore(content, nil)
	notified := 0
	store.AddObserver(ObserverFunc(func(Snapshot) { notified++ }))

	store.Replace([]Highlight{mk("srv", "yellow", 1, 4)})
	assert.Zero(t, notified)

	got := store.Highlights()
	require.Len(t, got, 1)
	assert.Equal(t, "srv", got[0].ID)
}

func TestStoreHighlightAt(t *testing.T) {
	store := NewStore(content, nil)
	h, err := store.Apply(5, 10, "yellow")
	require.NoError(t, err)

	found, ok := store.HighlightAt(7)
	require.True(t, ok)
	assert.Equal(t, h.ID, found.ID)

	_, ok = store.HighlightAt(10) // exclusive end
	assert.False(t, ok)
	_, ok = store.HighlightAt(4)
	assert.False(t, ok)
}
