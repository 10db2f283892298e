package tabs

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *log.Logger {
	return log.New(os.Stderr, "[tabs-test] ", 0)
}

func recvEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for journal event")
		return Event{}
	}
}

// TestBroadcast_DeliversToPeerProcesses verifies an event appended by one
// coordinator reaches subscribers of another coordinator on the same dir.
func TestBroadcast_DeliversToPeerProcesses(t *testing.T) {
	dir := t.TempDir()

	sender, err := NewCoordinator(dir, "proc-a", quietLogger())
	if err != nil {
		t.Fatalf("NewCoordinator sender: %v", err)
	}
	defer sender.Close()

	receiver, err := NewCoordinator(dir, "proc-b", quietLogger())
	if err != nil {
		t.Fatalf("NewCoordinator receiver: %v", err)
	}
	defer receiver.Close()

	ch := receiver.Subscribe()
	if err := sender.Broadcast(EventCacheInvalidate, "note/n1"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	event := recvEvent(t, ch)
	if event.Type != EventCacheInvalidate || event.Key != "note/n1" || event.Sender != "proc-a" {
		t.Errorf("unexpected event: %+v", event)
	}
}

// TestBroadcast_FiltersOwnEvents verifies a coordinator never delivers
// events it wrote itself.
func TestBroadcast_FiltersOwnEvents(t *testing.T) {
	dir := t.TempDir()

	self, err := NewCoordinator(dir, "proc-a", quietLogger())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer self.Close()

	peer, err := NewCoordinator(dir, "proc-b", quietLogger())
	if err != nil {
		t.Fatalf("NewCoordinator peer: %v", err)
	}
	defer peer.Close()

	selfCh := self.Subscribe()
	peerCh := peer.Subscribe()

	if err := self.Broadcast(EventQueueChanged, ""); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	// The peer's delivery proves the event hit the journal; only then is
	// an empty self channel meaningful.
	recvEvent(t, peerCh)
	select {
	case event := <-selfCh:
		t.Errorf("received own event: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestTail_SkipsMalformedLines verifies garbage in the journal does not
// stall delivery of later events.
func TestTail_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()

	receiver, err := NewCoordinator(dir, "proc-b", quietLogger())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer receiver.Close()
	ch := receiver.Subscribe()

	journal, err := os.OpenFile(filepath.Join(dir, journalName), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer journal.Close()
	if _, err := journal.WriteString("not json\n"); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, err := journal.WriteString(`{"sender":"proc-a","type":"sync_completed","at":"2026-08-29T00:00:00Z"}` + "\n"); err != nil {
		t.Fatalf("write event: %v", err)
	}

	event := recvEvent(t, ch)
	if event.Type != EventSyncCompleted {
		t.Errorf("unexpected event: %+v", event)
	}
}

// TestUnsubscribe_ClosesChannel verifies Unsubscribe closes exactly once
// and later broadcasts do not panic.
func TestUnsubscribe_ClosesChannel(t *testing.T) {
	dir := t.TempDir()

	c, err := NewCoordinator(dir, "proc-a", quietLogger())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Close()

	ch := c.Subscribe()
	c.Unsubscribe(ch)
	c.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("channel should be closed after Unsubscribe")
	}
	if err := c.Broadcast(EventSyncCompleted, ""); err != nil {
		t.Errorf("Broadcast after Unsubscribe: %v", err)
	}
}

// TestBroadcast_SiblingProcessesExchangeEvents verifies two processes that
// share one device identity still deliver each other's events: the
// self-filter keys on the per-process instance ID, never on anything both
// siblings have in common.
func TestBroadcast_SiblingProcessesExchangeEvents(t *testing.T) {
	dir := t.TempDir()

	first, err := NewCoordinator(dir, "instance-1", quietLogger())
	if err != nil {
		t.Fatalf("NewCoordinator first: %v", err)
	}
	defer first.Close()

	second, err := NewCoordinator(dir, "instance-2", quietLogger())
	if err != nil {
		t.Fatalf("NewCoordinator second: %v", err)
	}
	defer second.Close()

	firstCh := first.Subscribe()
	secondCh := second.Subscribe()

	if err := first.Broadcast(EventQueueChanged, ""); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	event := recvEvent(t, secondCh)
	if event.Type != EventQueueChanged || event.Sender != "instance-1" {
		t.Errorf("unexpected event at second process: %+v", event)
	}

	if err := second.Broadcast(EventSyncCompleted, ""); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	event = recvEvent(t, firstCh)
	if event.Type != EventSyncCompleted || event.Sender != "instance-2" {
		t.Errorf("unexpected event at first process: %+v", event)
	}
}
