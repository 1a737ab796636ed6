package apiserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"

	"github.com/coldbell/solayield/backend/internal/indexer"
)

const (
	channelStrategies     = "strategies"
	channelStrategyPrefix = "strategy."
	channelOrdersPrefix   = "orders."

	defaultPushInterval = 2 * time.Second
	channelItemLimit    = 200
)

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

type strategyChannelPayload struct {
	Strategy     strategyView                `json:"strategy"`
	Marketplaces []marketplaceView           `json:"marketplaces"`
	Conservation *indexer.ConservationRecord `json:"conservation,omitempty"`
}

type ordersChannelPayload struct {
	Marketplace string      `json:"marketplace"`
	Orders      []orderView `json:"orders"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w, r)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		return s.isOriginAllowed(strings.TrimSpace(req.Header.Get("Origin")))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.requestLogger(r).Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, readErrCh)

	interval := s.cfg.PushInterval
	if interval <= 0 {
		interval = defaultPushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-ticker.C:
			for _, channel := range subs.List() {
				payload, err := s.channelPayload(ctx, channel)
				if err != nil {
					s.logger.Error("fetch channel payload failed", "channel", channel, "err", err)
					_ = writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: "failed to fetch channel data", TS: time.Now().Unix()})
					continue
				}
				if payload == nil {
					continue
				}
				if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: payload, TS: time.Now().Unix()}); err != nil {
					return
				}
			}
		}
	}
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, readErrCh chan<- error) {
	conn.SetReadLimit(64 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if !validChannel(message.Channel) {
			continue
		}
		switch message.Type {
		case "subscribe":
			subs.Add(message.Channel)
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

func validChannel(channel string) bool {
	switch {
	case channel == channelStrategies:
		return true
	case strings.HasPrefix(channel, channelStrategyPrefix):
		_, err := strconv.ParseUint(strings.TrimPrefix(channel, channelStrategyPrefix), 10, 64)
		return err == nil
	case strings.HasPrefix(channel, channelOrdersPrefix):
		_, err := solana.PublicKeyFromBase58(strings.TrimPrefix(channel, channelOrdersPrefix))
		return err == nil
	default:
		return false
	}
}

// channelPayload reads through the cache shared by every connection. Entries
// live for CacheTTL; a zero TTL disables caching.
func (s *Service) channelPayload(ctx context.Context, channel string) (any, error) {
	if s.cfg.CacheTTL > 0 {
		if cached, ok := s.cache.Get(channel); ok {
			return cached, nil
		}
	}

	payload, err := s.loadChannelPayload(ctx, channel)
	if err != nil || payload == nil {
		return payload, err
	}
	if s.cfg.CacheTTL > 0 {
		s.cache.SetWithTTL(channel, payload, 1, s.cfg.CacheTTL)
	}
	return payload, nil
}

func (s *Service) loadChannelPayload(ctx context.Context, channel string) (any, error) {
	switch {
	case channel == channelStrategies:
		items, _, _, err := s.store.ListStrategies(ctx, indexer.StrategyFilter{Limit: channelItemLimit})
		if err != nil {
			return nil, err
		}
		return mapItems(items, newStrategyView), nil

	case strings.HasPrefix(channel, channelStrategyPrefix):
		strategyID, err := strconv.ParseUint(strings.TrimPrefix(channel, channelStrategyPrefix), 10, 64)
		if err != nil {
			return nil, nil
		}
		record, err := s.store.GetStrategy(ctx, strategyID)
		if err != nil || record == nil {
			return nil, err
		}
		marketplaces, _, _, err := s.store.ListMarketplaces(ctx, indexer.MarketplaceFilter{Strategy: record.Pubkey})
		if err != nil {
			return nil, err
		}
		payload := strategyChannelPayload{
			Strategy:     newStrategyView(*record),
			Marketplaces: mapItems(marketplaces, newMarketplaceView),
		}
		report, err := s.store.ConservationReport(ctx)
		if err != nil {
			return nil, err
		}
		for i := range report {
			if report[i].Strategy == record.Pubkey {
				payload.Conservation = &report[i]
				break
			}
		}
		return payload, nil

	case strings.HasPrefix(channel, channelOrdersPrefix):
		marketplace := strings.TrimPrefix(channel, channelOrdersPrefix)
		orders, _, _, err := s.store.ListOrders(ctx, indexer.OrderFilter{
			Marketplace: marketplace,
			Status:      "open",
			Limit:       channelItemLimit,
		})
		if err != nil {
			return nil, err
		}
		return ordersChannelPayload{Marketplace: marketplace, Orders: mapItems(orders, newOrderView)}, nil

	default:
		return nil, nil
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	return out
}
