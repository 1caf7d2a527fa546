// Package memory implements session.Store with an in-process LRU, the same
// list+map+mutex shape the teacher uses for its cookie session store, keyed
// by handshake session id instead of a browser cookie value.
package memory

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/captchaforge/gatekeeper/pkg/session"
)

func New() *Store {
	return &Store{
		list:     list.New(),
		sessions: make(map[string]*list.Element),
	}
}

type Store struct {
	lock     sync.Mutex
	sessions map[string]*list.Element
	list     *list.List
}

var _ session.Store = (*Store)(nil)

func (p *Store) Start(ctx context.Context, interval time.Duration) {
	/*BUMP*/
}

// Create stores sess, replacing any prior session under the same id. A
// second handshake for the same (sitekey, clientPublicKey) pair reuses that
// deterministic id, so this is how rehandshaking invalidates the old
// session rather than leaving two live sessions behind.
func (p *Store) Create(ctx context.Context, sess *session.Session) error {
	slog.DebugContext(ctx, "Registering session", "sessionID", sess.ID)

	p.lock.Lock()
	defer p.lock.Unlock()

	if existing, ok := p.sessions[sess.ID]; ok {
		p.list.Remove(existing)
	}

	element := p.list.PushFront(sess)
	p.sessions[sess.ID] = element
	return nil
}

func (p *Store) Read(ctx context.Context, id string) (*session.Session, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	element, ok := p.sessions[id]
	if !ok {
		return nil, session.ErrSessionMissing
	}

	return element.Value.(*session.Session), nil
}

func (p *Store) Touch(ctx context.Context, id string, now time.Time) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	element, ok := p.sessions[id]
	if !ok {
		return session.ErrSessionMissing
	}

	element.Value.(*session.Session).LastUsedAt = now
	p.list.MoveToFront(element)

	return nil
}

func (p *Store) Destroy(ctx context.Context, id string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if element, ok := p.sessions[id]; ok {
		delete(p.sessions, id)
		p.list.Remove(element)
	}

	return nil
}

func (p *Store) GC(ctx context.Context, maxLifetime time.Duration) {
	slog.DebugContext(ctx, "About to GC session memory store")

	deleted := 0
	now := time.Now()

	p.lock.Lock()
	defer p.lock.Unlock()

	for {
		element := p.list.Back()
		if element == nil {
			break
		}

		sess := element.Value.(*session.Session)
		if sess.LastUsedAt.Add(maxLifetime).Before(now) {
			p.list.Remove(element)
			delete(p.sessions, sess.ID)
			deleted++
		} else {
			break
		}
	}

	slog.Log(ctx, common.LevelTrace, "Finished GC memory store", "deleted", deleted)
}
