package shopkeeper

import (
	"context"
	"sync"
)

// memStore is an in-memory Store. Each call to Sync holds the lock for its
// whole duration, and its writes are only made visible if fn succeeds.
type memStore struct {
	mu            sync.Mutex
	customers     map[string]*Customer
	subscriptions map[string]*Subscription
	events        map[string]string

	// applied counts the calls to Sync that committed.
	applied int
}

type memTx struct {
	store         *memStore
	customers     map[string]*Customer
	subscriptions map[string]*Subscription
}

var (
	_ Store = (*memStore)(nil)
	_ Tx    = (*memTx)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		customers:     make(map[string]*Customer),
		subscriptions: make(map[string]*Subscription),
		events:        make(map[string]string),
	}
}

func claimMemRef(customers map[string]*Customer, c *Customer) error {
	if c.Ref == "" {
		return nil
	}

	for id, c1 := range customers {
		if id == c.ID || c1.Ref != c.Ref {
			continue
		}

		if !c1.Deleted || c.Deleted {
			return ErrRefTaken
		}
	}

	for id, c1 := range customers {
		if id != c.ID && c1.Ref == c.Ref {
			cp := *c1
			cp.Ref = ""
			customers[id] = &cp
		}
	}
	return nil
}

func putMemCustomer(customers map[string]*Customer, c *Customer) error {
	if err := claimMemRef(customers, c); err != nil {
		return err
	}

	cp := *c

	if cur, ok := customers[c.ID]; ok && cur.Version > cp.Version {
		cp.Version = cur.Version
	}

	customers[c.ID] = &cp
	return nil
}

func (s *memStore) LookupCustomer(_ context.Context, ref string) (*Customer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *Customer

	for _, c := range s.customers {
		if c.Ref != ref {
			continue
		}

		cp := *c

		if !c.Deleted {
			return &cp, true, nil
		}
		found = &cp
	}
	return found, found != nil, nil
}

func (s *memStore) PutCustomer(_ context.Context, c *Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.customers[c.ID]

	if ok && (cur.Ref != "" || c.Ref == "") {
		return nil
	}

	if err := claimMemRef(s.customers, c); err != nil {
		return err
	}

	if ok {
		cp := *cur
		cp.Ref = c.Ref
		s.customers[c.ID] = &cp
		return nil
	}

	cp := *c
	s.customers[c.ID] = &cp
	return nil
}

func (s *memStore) Subscriptions(_ context.Context, customerID string) ([]*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]*Subscription, 0)

	for _, sub := range s.subscriptions {
		if sub.CustomerID == customerID {
			cp := *sub
			subs = append(subs, &cp)
		}
	}
	return subs, nil
}

func (s *memStore) Sync(_ context.Context, eventID, eventType string, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[eventID]; ok {
		return ErrEventExists
	}

	tx := &memTx{
		store:         s,
		customers:     make(map[string]*Customer),
		subscriptions: make(map[string]*Subscription),
	}

	for id, c := range s.customers {
		tx.customers[id] = c
	}
	for id, sub := range s.subscriptions {
		tx.subscriptions[id] = sub
	}

	if err := fn(tx); err != nil {
		return err
	}

	s.customers = tx.customers
	s.subscriptions = tx.subscriptions
	s.events[eventID] = eventType
	s.applied++
	return nil
}

func (s *memStore) customer(id string) (*Customer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[id]
	return c, ok
}

func (s *memStore) subscription(id string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	return sub, ok
}

func (t *memTx) Customer(id string) (*Customer, bool, error) {
	c, ok := t.customers[id]

	if !ok {
		return nil, false, nil
	}

	cp := *c
	return &cp, true, nil
}

func (t *memTx) Subscription(id string) (*Subscription, bool, error) {
	sub, ok := t.subscriptions[id]

	if !ok {
		return nil, false, nil
	}

	cp := *sub
	return &cp, true, nil
}

func (t *memTx) PutCustomer(c *Customer) error { return putMemCustomer(t.customers, c) }

func (t *memTx) PutSubscription(s *Subscription) error {
	cp := *s
	t.subscriptions[s.ID] = &cp
	return nil
}
