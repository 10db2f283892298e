// Package tabs coordinates the app instances that share one data
// directory. Each process appends coordination events to a shared JSONL
// journal and tails the same file with fsnotify, so peers learn about
// cache invalidations, queue changes, and completed syncs without polling
// the store. A store-backed lease elects the single leader that runs
// sync cycles.
package tabs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventType names a cross-process coordination event.
type EventType string

const (
	// EventCacheInvalidate tells peers to drop a cached key from their
	// hot maps. The sender has already removed the store copy.
	EventCacheInvalidate EventType = "cache_invalidate"
	// EventQueueChanged tells peers the shared mutation queue changed
	// (enqueued, applied, or dead-lettered items) and should be reloaded.
	EventQueueChanged EventType = "queue_changed"
	// EventSyncCompleted announces a finished sync cycle so peers can
	// refresh reads.
	EventSyncCompleted EventType = "sync_completed"
	// EventLeaderChanged announces a leadership transition.
	EventLeaderChanged EventType = "leader_changed"
)

// Event is one journal record. Sender is the writing process's instance
// ID, not the persisted device ID: processes sharing a data dir share the
// device identity, and filtering on it would discard sibling events.
type Event struct {
	Sender string    `json:"sender"`
	Type   EventType `json:"type"`
	Key    string    `json:"key,omitempty"`
	At     time.Time `json:"at"`
}

const (
	journalName    = "events.jsonl"
	maxJournalSize = 4 << 20 // rotate past 4 MiB so the tail never grows unbounded
)

// Coordinator broadcasts events to sibling processes and delivers theirs.
// Events this process wrote are filtered out before delivery; a sender
// already acted on its own event.
type Coordinator struct {
	instanceID string
	path       string
	logger     *log.Logger

	mu      sync.Mutex
	file    *os.File
	offset  int64
	subs    map[chan Event]struct{}
	watcher *fsnotify.Watcher
	closed  bool
}

// NewCoordinator opens (creating if needed) the journal in dataDir and
// starts tailing from its current end. Historical events are not
// replayed; a newly started process reads fresh state from the store.
func NewCoordinator(dataDir, instanceID string, logger *log.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[tabs] ", log.LstdFlags)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	path := filepath.Join(dataDir, journalName)

	if info, err := os.Stat(path); err == nil && info.Size() > maxJournalSize {
		// Best effort: a concurrent writer may race the rename, in which
		// case it recreates the file and tailing resumes from offset 0.
		_ = os.Rename(path, path+".old")
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	offset := int64(0)
	if info, err := file.Stat(); err == nil {
		offset = info.Size()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory, not the file: rotation replaces the inode and
	// a directory watch survives that.
	if err := watcher.Add(dataDir); err != nil {
		_ = watcher.Close()
		_ = file.Close()
		return nil, fmt.Errorf("failed to watch data dir: %w", err)
	}

	c := &Coordinator{
		instanceID: instanceID,
		path:       path,
		logger:     logger,
		file:       file,
		offset:     offset,
		subs:       make(map[chan Event]struct{}),
		watcher:    watcher,
	}
	go c.tail()
	return c, nil
}

// Broadcast appends an event to the journal. Peers pick it up via their
// tails; this process's own subscribers never see it.
func (c *Coordinator) Broadcast(eventType EventType, key string) error {
	event := Event{Sender: c.instanceID, Type: eventType, Key: key, At: time.Now().UTC()}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if _, err := c.file.Write(line); err != nil {
		return fmt.Errorf("failed to append journal event: %w", err)
	}
	return nil
}

// Subscribe returns a channel of peer events. Slow subscribers lose the
// oldest buffered events rather than blocking the tail.
func (c *Coordinator) Subscribe() chan Event {
	ch := make(chan Event, 16)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (c *Coordinator) Unsubscribe(ch chan Event) {
	c.mu.Lock()
	if _, ok := c.subs[ch]; ok {
		delete(c.subs, ch)
		close(ch)
	}
	c.mu.Unlock()
}

// Close stops the tail and releases the journal.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
	c.mu.Unlock()

	_ = c.watcher.Close()
	return c.file.Close()
}

// tail consumes watcher events and drains new journal lines. Runs until
// the watcher channel closes.
func (c *Coordinator) tail() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != journalName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				c.drain()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Printf("journal watcher error: %v", err)
		}
	}
}

// drain reads journal lines past the last seen offset and delivers peer
// events to subscribers.
func (c *Coordinator) drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	reader, err := os.Open(c.path)
	if err != nil {
		return
	}
	defer reader.Close()

	if info, err := reader.Stat(); err == nil && info.Size() < c.offset {
		// Journal was rotated out from under us; start over.
		c.offset = 0
	}
	if _, err := reader.Seek(c.offset, 0); err != nil {
		return
	}

	buffered := bufio.NewReader(reader)
	for {
		line, err := buffered.ReadBytes('\n')
		if err != nil {
			// A line without a trailing newline is a write in progress;
			// leave the offset alone and pick it up on the next event.
			return
		}
		c.offset += int64(len(line))

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			c.logger.Printf("skipping malformed journal line: %v", err)
			continue
		}
		if event.Sender == c.instanceID {
			continue
		}
		for ch := range c.subs {
			select {
			case ch <- event:
			default:
				// Drop the oldest buffered event to make room.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- event:
				default:
				}
			}
		}
	}
}
