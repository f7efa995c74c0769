package websocket

import (
	"sync"
)

// BalanceUpdate is pushed to an account's subscribers after each confirmed
// settlement. Version is the account version the settlement left behind, so
// updates for one account are totally ordered.
type BalanceUpdate struct {
	AccountID string `json:"account_id"`
	Version   int64  `json:"version"`
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	Delta     string `json:"delta"`
	EntryID   string `json:"entry_id"`
	EntryType string `json:"entry_type"`
}

// Hub fans balance updates out to the websocket subscribers of each account.
type Hub struct {
	mu       sync.RWMutex
	accounts map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		accounts: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(accountID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.accounts[accountID]
	if subscribers == nil {
		subscribers = make(map[*Client]struct{})
		h.accounts[accountID] = subscribers
	}
	subscribers[client] = struct{}{}
}

func (h *Hub) Unregister(accountID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.accounts[accountID]
	if subscribers == nil {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.accounts, accountID)
	}
}

// BroadcastBalance never blocks on a subscriber. A slow subscriber skips
// intermediate balances but always ends up with the newest one per currency.
func (h *Hub) BroadcastBalance(accountID string, update BalanceUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.accounts[accountID] {
		client.queue(update)
	}
}

func (h *Hub) Subscribers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.accounts[accountID])
}
