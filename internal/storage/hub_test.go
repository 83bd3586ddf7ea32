package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencewatch/internal/model"
)

func TestHubDropsRedeliveredEvents(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := hub.Subscribe(ctx, "t1", nil)
	require.NoError(t, err)

	ev := model.AttendanceEvent{EventID: "e1", TenantID: "t1"}
	hub.Publish(model.ChangeSet{TenantID: "t1", Added: []model.AttendanceEvent{ev}})
	hub.Publish(model.ChangeSet{TenantID: "t1", Added: []model.AttendanceEvent{ev}})

	require.Len(t, ch, 1)
	cs := <-ch
	assert.Equal(t, "e1", cs.Added[0].EventID)
}

func TestHubFilter(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	onlyCheckIns := func(ev model.AttendanceEvent) bool { return ev.Type == model.EventCheckIn }
	ch, err := hub.Subscribe(ctx, "t1", onlyCheckIns)
	require.NoError(t, err)

	hub.Publish(model.ChangeSet{TenantID: "t1", Added: []model.AttendanceEvent{
		{EventID: "out", TenantID: "t1", Type: model.EventCheckOut},
	}})
	assert.Len(t, ch, 0)

	hub.Publish(model.ChangeSet{TenantID: "t1", Added: []model.AttendanceEvent{
		{EventID: "in", TenantID: "t1", Type: model.EventCheckIn},
		{EventID: "out2", TenantID: "t1", Type: model.EventCheckOut},
	}})
	require.Len(t, ch, 1)
	cs := <-ch
	require.Len(t, cs.Added, 1)
	assert.Equal(t, "in", cs.Added[0].EventID)
}

func TestHubFlagsLaggingSubscriber(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := hub.Subscribe(ctx, "t1", nil)
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer+1; i++ {
		hub.Publish(model.ChangeSet{TenantID: "t1", Modified: []model.AttendanceEvent{{TenantID: "t1"}}})
	}
	for i := 0; i < subscriberBuffer; i++ {
		cs := <-ch
		assert.False(t, cs.Resync)
	}
	hub.Publish(model.ChangeSet{TenantID: "t1", Modified: []model.AttendanceEvent{{TenantID: "t1"}}})
	cs := <-ch
	assert.True(t, cs.Resync)
}

func TestHubClosesOnCancel(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := hub.Subscribe(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("t1"))
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Equal(t, 0, hub.Subscribers("t1"))
}

func TestHubRequiresTenant(t *testing.T) {
	_, err := NewHub(nil).Subscribe(context.Background(), "", nil)
	assert.Error(t, err)
}
