package lookup

import (
	"testing"

	"github.com/opd-ai/kademlia-core/id"
	"github.com/opd-ai/kademlia-core/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint string

func (f fakeEndpoint) String() string { return string(f) }

func contact(t *testing.T) routing.Contact {
	t.Helper()
	nodeID, err := id.Generate()
	require.NoError(t, err)
	return routing.NewContact(nodeID, fakeEndpoint(nodeID.String()))
}

func TestListInsertSortsByDistance(t *testing.T) {
	target, err := id.Generate()
	require.NoError(t, err)
	l := NewList(target, 20)

	for i := 0; i < 8; i++ {
		l.Insert(contact(t))
	}

	got := l.GetContacts()
	for i := 1; i < len(got); i++ {
		assert.True(t, target.CompareDistance(got[i-1].ID, got[i].ID) <= 0)
	}
}

func TestListRespectsCapacity(t *testing.T) {
	target, err := id.Generate()
	require.NoError(t, err)
	l := NewList(target, 3)

	for i := 0; i < 10; i++ {
		l.Insert(contact(t))
	}

	assert.LessOrEqual(t, l.Len(), 3)
}

func TestListInsertDuplicateIsNoOp(t *testing.T) {
	target, err := id.Generate()
	require.NoError(t, err)
	l := NewList(target, 20)

	c := contact(t)
	l.Insert(c)
	l.Insert(c)

	assert.Equal(t, 1, l.Len())
}

func TestListNextMarksQueried(t *testing.T) {
	target, err := id.Generate()
	require.NoError(t, err)
	l := NewList(target, 20)

	c := contact(t)
	l.Insert(c)

	got, ok := l.Next()
	require.True(t, ok)
	assert.Equal(t, c.ID, got.ID)

	_, ok = l.Next()
	assert.False(t, ok, "already queried, nothing left")
}

func TestListRemove(t *testing.T) {
	target, err := id.Generate()
	require.NoError(t, err)
	l := NewList(target, 20)

	c := contact(t)
	l.Insert(c)
	l.Remove(c)

	assert.Equal(t, 0, l.Len())
}
