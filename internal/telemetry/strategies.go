package telemetry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/botfleet-go/internal/batch"
	"github.com/irfndi/botfleet-go/internal/models"
)

// StrategyProcessor stores numbered strategy-dump blobs verbatim under
// (server_id, pack_number).
type StrategyProcessor struct {
	writer Submitter
}

func NewStrategyProcessor(writer Submitter) *StrategyProcessor {
	return &StrategyProcessor{writer: writer}
}

func (p *StrategyProcessor) Process(ctx context.Context, serverID int64, botName string, packNumber int, data string) error {
	if data == "" {
		logrus.WithFields(logrus.Fields{
			"server_id": serverID,
			"pack":      packNumber,
		}).Debug("Dropping empty strategy pack")
		return nil
	}
	pack := &models.StrategyPack{
		ServerID:   serverID,
		PackNumber: packNumber,
		Data:       data,
		BotName:    botName,
		ReceivedAt: time.Now().UTC(),
	}
	return p.writer.Submit(batch.TableStrategyPack, batch.OpUpsert, pack)
}
