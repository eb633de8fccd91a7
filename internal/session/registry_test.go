package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func idle(chatID string) *Session {
	return New(chatID, newFakeConn(), Deps{Logger: zap.NewNop()})
}

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry()
	a, b := idle("1"), idle("1")
	r.Add(a)
	r.Add(b)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	r.Remove(a)
	_, ok = r.Get(a.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RemoveIgnoresForeignSession(t *testing.T) {
	r := NewRegistry()
	a := idle("1")
	r.Add(a)

	r.Remove(idle("1"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ByChat(t *testing.T) {
	r := NewRegistry()
	a, b, c := idle("1"), idle("2"), idle("1")
	for _, s := range []*Session{a, b, c} {
		r.Add(s)
	}

	got := r.ByChat("1")
	require.Len(t, got, 2)
	assert.Less(t, got[0].ID(), got[1].ID())
	for _, s := range got {
		assert.Equal(t, "1", s.ChatID())
	}
	assert.Empty(t, r.ByChat("3"))
}

func TestRegistry_CloseChat(t *testing.T) {
	r := NewRegistry()
	attached, other := newFakeConn(), newFakeConn()
	r.Add(New("1", attached, Deps{Logger: zap.NewNop()}))
	r.Add(New("2", other, Deps{Logger: zap.NewNop()}))

	assert.Equal(t, 1, r.CloseChat("1"))
	_, err := attached.ReadText()
	assert.ErrorIs(t, err, errClosed)
	select {
	case <-other.done:
		t.Fatal("unrelated session was closed")
	default:
	}

	assert.Equal(t, 0, r.CloseChat("missing"))
}

func TestRegistry_CloseAllClosesConnections(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn()
	r.Add(New("1", conn, Deps{Logger: zap.NewNop()}))

	r.CloseAll()
	_, err := conn.ReadText()
	assert.ErrorIs(t, err, errClosed)
}
