package telemetry

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/botfleet-go/internal/batch"
	"github.com/irfndi/botfleet-go/internal/models"
)

// Wire commands.
const (
	CmdOrder      = "order"
	CmdAccount    = "acc"
	CmdStrategies = "strats"
	CmdErrors     = "errors"
	CmdReplay     = "replay"
)

// legacy text shape: "[SQLCommand 123] insert into Orders ..."
var legacySQLRe = regexp.MustCompile(`^\[SQLCommand\s+(\d+)\]\s+(.+)$`)

// Message is one decoded JSON telemetry packet. The balance keys stay raw
// because the wire carries them in several shapes.
type Message struct {
	Cmd string `json:"cmd"`
	OID int64  `json:"oid"`
	Bot string `json:"bot"`
	SQL string `json:"sql"`
	N   int    `json:"N"`

	Data json.RawMessage `json:"data"`
	A    json.RawMessage `json:"A"`
	T    json.RawMessage `json:"T"`
	S    json.RawMessage `json:"S"`
	V    json.RawMessage `json:"V"`
}

type errorsPayload struct {
	E []string `json:"E"`
}

// Dispatcher routes one decoded datagram to its processor. Process
// reports consumed=false for packets that are not telemetry (unknown cmd
// or non-JSON text) so the listener can hand them to a waiting
// response queue instead.
type Dispatcher struct {
	orders     *OrderProcessor
	balances   *BalanceProcessor
	strategies *StrategyProcessor
	errors     *ErrorProcessor
	writer     Submitter
}

func NewDispatcher(orders *OrderProcessor, balances *BalanceProcessor, strategies *StrategyProcessor, errs *ErrorProcessor, writer Submitter) *Dispatcher {
	return &Dispatcher{
		orders:     orders,
		balances:   balances,
		strategies: strategies,
		errors:     errs,
		writer:     writer,
	}
}

func (d *Dispatcher) Process(ctx context.Context, serverID int64, payload []byte) (bool, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return true, nil
	}

	if m := legacySQLRe.FindStringSubmatch(text); m != nil {
		return true, d.processLegacySQL(ctx, serverID, m[1], m[2])
	}

	if !strings.HasPrefix(text, "{") {
		return false, nil
	}
	var msg Message
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"server_id": serverID,
			"payload":   truncate(text, 120),
		}).Debug("Dropping malformed JSON datagram")
		return true, nil
	}

	switch msg.Cmd {
	case CmdOrder, CmdReplay:
		if msg.SQL == "" {
			return true, nil
		}
		return true, d.orders.ProcessStatement(ctx, serverID, msg.OID, msg.Bot, msg.SQL)
	case CmdAccount:
		return true, d.balances.Process(ctx, serverID, &msg)
	case CmdStrategies:
		var data string
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				logrus.WithField("server_id", serverID).Debug("Dropping strats packet with non-string data")
				return true, nil
			}
		}
		return true, d.strategies.Process(ctx, serverID, msg.Bot, msg.N, data)
	case CmdErrors:
		var ep errorsPayload
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &ep); err != nil {
				logrus.WithField("server_id", serverID).Debug("Dropping errors packet with bad payload")
				return true, nil
			}
		}
		return true, d.errors.Process(ctx, serverID, msg.Bot, ep.E)
	}
	return false, nil
}

// processLegacySQL mirrors the raw statement into the audit log and then
// applies it the same way as order.sql. There is no oid on this path.
func (d *Dispatcher) processLegacySQL(ctx context.Context, serverID int64, idText, sqlText string) error {
	commandID, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return nil
	}
	logRow := &models.SqlCommandLog{
		CommandID:  commandID,
		ServerID:   serverID,
		SQLText:    sqlText,
		ReceivedAt: time.Now().UTC(),
	}
	if err := d.writer.Submit(batch.TableSqlLog, batch.OpInsert, logRow); err != nil {
		return err
	}
	return d.orders.ProcessStatement(ctx, serverID, 0, "", sqlText)
}
