package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/botfleet-go/internal/batch"
	"github.com/irfndi/botfleet-go/internal/cache"
	"github.com/irfndi/botfleet-go/internal/chart"
	"github.com/irfndi/botfleet-go/internal/models"
	"github.com/irfndi/botfleet-go/internal/notify"
)

// ChartProcessor persists fully reassembled chart captures. Its Complete
// method is the assembler's completion callback.
type ChartProcessor struct {
	writer Submitter
	users  *cache.UserCache
	pub    notify.Publisher
}

func NewChartProcessor(writer Submitter, users *cache.UserCache, pub notify.Publisher) *ChartProcessor {
	if pub == nil {
		pub = notify.NopPublisher{}
	}
	return &ChartProcessor{writer: writer, users: users, pub: pub}
}

// Complete stores one parsed chart under (server_id, order_db_id) with
// the structural body as JSON plus denormalized summary columns.
func (p *ChartProcessor) Complete(ctx context.Context, serverID, orderID int64, c *chart.Chart) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}

	row := &models.Chart{
		ServerID:       serverID,
		OrderDBID:      orderID,
		MarketName:     c.MarketName,
		MarketCurrency: c.MarketCurrency,
		PumpChannel:    c.PumpChannel,
		Body:           body,
		ReceivedAt:     time.Now().UTC(),
	}
	if !c.StartTime.IsZero() {
		start := c.StartTime
		row.StartTime = &start
	}
	if !c.EndTime.IsZero() {
		end := c.EndTime
		row.EndTime = &end
	}
	if c.Stats != nil {
		profit := c.Stats.SessionProfit
		row.SessionProfit = &profit
	}

	if err := p.writer.Submit(batch.TableChart, batch.OpUpsert, row); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"server_id": serverID,
		"order_id":  orderID,
		"market":    c.MarketName,
		"prices":    len(c.HistoryPrices),
	}).Debug("Chart stored")

	p.notifyChart(ctx, serverID, orderID, c.MarketName)
	return nil
}

func (p *ChartProcessor) notifyChart(ctx context.Context, serverID, orderID int64, market string) {
	if p.users == nil {
		return
	}
	userID, err := p.users.UserIDForServer(ctx, serverID)
	if err != nil {
		return
	}
	_ = p.pub.Publish(ctx, userID, notify.Event{
		Kind:     notify.EventChartReceived,
		ServerID: serverID,
		Payload:  map[string]any{"order_db_id": orderID, "market": market},
	})
}
