package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/botfleet-go/internal/batch"
	"github.com/irfndi/botfleet-go/internal/cache"
	"github.com/irfndi/botfleet-go/internal/models"
	"github.com/irfndi/botfleet-go/internal/notify"
)

// BalanceProcessor upserts the per-server balance row from `acc` packets.
// The wire has three legal shapes: an embedded "A:<f>,T:<f>" string, a
// nested {A,T,S?,V?} object, or the same keys at the top level.
type BalanceProcessor struct {
	writer Submitter
	users  *cache.UserCache
	pub    notify.Publisher
}

func NewBalanceProcessor(writer Submitter, users *cache.UserCache, pub notify.Publisher) *BalanceProcessor {
	if pub == nil {
		pub = notify.NopPublisher{}
	}
	return &BalanceProcessor{writer: writer, users: users, pub: pub}
}

func (p *BalanceProcessor) Process(ctx context.Context, serverID int64, msg *Message) error {
	balance, ok := decodeBalance(msg)
	if !ok {
		logrus.WithField("server_id", serverID).Debug("Dropping acc packet with no recognizable balance shape")
		return nil
	}
	balance.ServerID = serverID
	balance.BotName = msg.Bot
	balance.UpdatedAt = time.Now().UTC()

	if err := p.writer.Submit(batch.TableBalance, batch.OpUpsert, balance); err != nil {
		return err
	}
	p.notifyBalance(ctx, balance)
	return nil
}

func (p *BalanceProcessor) notifyBalance(ctx context.Context, balance *models.Balance) {
	if p.users == nil {
		return
	}
	userID, err := p.users.UserIDForServer(ctx, balance.ServerID)
	if err != nil {
		return
	}
	event := notify.Event{
		Kind:     notify.EventBalanceUpdated,
		ServerID: balance.ServerID,
		Payload: map[string]any{
			"available": balance.Available.String(),
			"total":     balance.Total.String(),
		},
	}
	if err := p.pub.Publish(ctx, userID, event); err != nil {
		logrus.WithError(err).Debug("Failed to publish balance event")
	}
}

// decodeBalance tries the three wire shapes in order.
func decodeBalance(msg *Message) (*models.Balance, bool) {
	// Shape 1: data is the string "A:<f>,T:<f>".
	var embedded string
	if len(msg.Data) > 0 && json.Unmarshal(msg.Data, &embedded) == nil {
		if b, ok := parseEmbeddedBalance(embedded); ok {
			return b, true
		}
	}

	// Shape 2: data is a nested object with A/T/S/V keys.
	var nested balanceFields
	if len(msg.Data) > 0 && json.Unmarshal(msg.Data, &nested) == nil {
		if b, ok := nested.toBalance(); ok {
			return b, true
		}
	}

	// Shape 3: A/T/S/V at the top level of the packet.
	top := balanceFields{A: msg.A, T: msg.T, S: msg.S, V: msg.V}
	return top.toBalance()
}

type balanceFields struct {
	A json.RawMessage `json:"A"`
	T json.RawMessage `json:"T"`
	S json.RawMessage `json:"S"`
	V json.RawMessage `json:"V"`
}

func (f balanceFields) toBalance() (*models.Balance, bool) {
	available, okA := moneyValue(f.A)
	total, okT := moneyValue(f.T)
	if !okA || !okT {
		return nil, false
	}
	b := &models.Balance{Available: available, Total: total}
	if running, ok := boolValue(f.S); ok {
		b.IsRunning = &running
	}
	var version string
	if len(f.V) > 0 && json.Unmarshal(f.V, &version) == nil {
		b.Version = version
	}
	return b, true
}

// parseEmbeddedBalance handles "A:123.4,T:456.7" with optional S/V parts.
func parseEmbeddedBalance(data string) (*models.Balance, bool) {
	b := &models.Balance{}
	var haveA, haveT bool
	for _, part := range strings.Split(data, ",") {
		key, value, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "A":
			if v, ok := parseMoney(value); ok {
				b.Available = v
				haveA = true
			}
		case "T":
			if v, ok := parseMoney(value); ok {
				b.Total = v
				haveT = true
			}
		case "S":
			if running, ok := parseBool(value); ok {
				b.IsRunning = &running
			}
		case "V":
			b.Version = value
		}
	}
	return b, haveA && haveT
}

func moneyValue(raw json.RawMessage) (decimal.Decimal, bool) {
	if len(raw) == 0 {
		return decimal.Zero, false
	}
	var num float64
	if json.Unmarshal(raw, &num) == nil {
		return decimal.NewFromFloat(num), true
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return parseMoney(str)
	}
	return decimal.Zero, false
}

// parseMoney strips a trailing currency suffix ("$", "USDT", "TRY", …)
// and parses the rest leniently.
func parseMoney(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	end := len(s)
	for end > 0 {
		c := s[end-1]
		if c >= '0' && c <= '9' {
			break
		}
		end--
	}
	s = strings.TrimSpace(s[:end])
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}

func boolValue(raw json.RawMessage) (bool, bool) {
	if len(raw) == 0 {
		return false, false
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b, true
	}
	var num float64
	if json.Unmarshal(raw, &num) == nil {
		return num != 0, true
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return parseBool(str)
	}
	return false, false
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "running":
		return true, true
	case "0", "false", "off", "stopped":
		return false, true
	}
	return false, false
}
