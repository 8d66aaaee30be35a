package devserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// otpValidity is how long a sent code can be verified.
const otpValidity = 5 * time.Minute

// Customer is a loyalty member known to the dev backend.
type Customer struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Points    int64     `json:"points"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// sentCode is an outstanding passcode. Only its bcrypt hash is kept.
type sentCode struct {
	hash   []byte
	sentAt time.Time
}

// memoryStore keeps customers, outstanding codes and live refresh tokens.
type memoryStore struct {
	mu        sync.Mutex
	customers map[string]*Customer // by phone
	codes     map[string]sentCode  // by "<phone>|<action>"
	refresh   map[string]string    // refresh token ID -> customer ID
	nowFunc   func() time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		customers: make(map[string]*Customer),
		codes:     make(map[string]sentCode),
		refresh:   make(map[string]string),
		nowFunc:   time.Now,
	}
}

// customerByPhone returns the customer for phone, enrolling a new member on
// first sign-in.
func (s *memoryStore) customerByPhone(phone string) *Customer {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[phone]
	if !ok {
		c = &Customer{
			ID:        uuid.NewString(),
			Phone:     phone,
			Tier:      "member",
			CreatedAt: s.nowFunc().UTC(),
		}
		s.customers[phone] = c
	}
	cp := *c
	return &cp
}

func (s *memoryStore) customerByID(id string) (*Customer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.customers {
		if c.ID == id {
			cp := *c
			return &cp, true
		}
	}
	return nil, false
}

// deleteCustomer removes the customer and every refresh token issued to them.
func (s *memoryStore) deleteCustomer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for phone, c := range s.customers {
		if c.ID != id {
			continue
		}
		delete(s.customers, phone)
		for tokenID, owner := range s.refresh {
			if owner == id {
				delete(s.refresh, tokenID)
			}
		}
		return true
	}
	return false
}

// recordCode replaces any outstanding code for phone and action.
func (s *memoryStore) recordCode(phone, action string, hash []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[phone+"|"+action] = sentCode{hash: hash, sentAt: s.nowFunc()}
}

// consumeCode forgets the code for phone and action once match accepts its
// hash. A rejected guess leaves the code in place; an expired one is dropped.
func (s *memoryStore) consumeCode(phone, action string, match func(hash []byte) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := phone + "|" + action
	c, ok := s.codes[key]
	if !ok {
		return false
	}
	if s.nowFunc().Sub(c.sentAt) > otpValidity {
		delete(s.codes, key)
		return false
	}
	if !match(c.hash) {
		return false
	}
	delete(s.codes, key)
	return true
}

func (s *memoryStore) addRefresh(tokenID, customerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[tokenID] = customerID
}

// rotateRefresh revokes tokenID and reports whether it was live.
func (s *memoryStore) rotateRefresh(tokenID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customerID, ok := s.refresh[tokenID]
	if ok {
		delete(s.refresh, tokenID)
	}
	return customerID, ok
}
