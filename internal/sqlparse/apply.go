package sqlparse

import (
	"regexp"
	"strings"
	"time"

	"github.com/irfndi/botfleet-go/internal/models"
	"github.com/irfndi/botfleet-go/internal/strategy"
)

// closeSkewTolerance is how far in the future a CloseDate may sit and
// still be trusted when close indicators agree (bot clocks drift).
const closeSkewTolerance = 365 * 24 * time.Hour

// ApplyOptions parameterize statement application.
type ApplyOptions struct {
	Now time.Time
	// TryUSDRate converts TRY-denominated money columns on insert.
	TryUSDRate float64
}

type fieldSetter func(o *models.Order, raw string)

func floatField(get func(o *models.Order) **float64) fieldSetter {
	return func(o *models.Order, raw string) {
		if v := Float(raw); v != nil {
			*get(o) = v
		}
	}
}

func stringField(get func(o *models.Order) *string) fieldSetter {
	return func(o *models.Order, raw string) {
		*get(o) = Unquote(raw)
	}
}

func intField(get func(o *models.Order) **int64) fieldSetter {
	return func(o *models.Order, raw string) {
		if v := Int(raw); v != nil {
			*get(o) = v
		}
	}
}

// columnTable is the closed SQL-column → order-field mapping. Keys are
// lowercase; unknown columns are skipped by the applier. CloseDate is
// deliberately absent: it feeds the close-state rule, not a field.
var columnTable = map[string]fieldSetter{
	"coin":     stringField(func(o *models.Order) *string { return &o.Symbol }),
	"basecurr": stringField(func(o *models.Order) *string { return &o.BaseCurrency }),

	"buyprice":  floatField(func(o *models.Order) **float64 { return &o.BuyPrice }),
	"sellprice": floatField(func(o *models.Order) **float64 { return &o.SellPrice }),
	"quantity":  floatField(func(o *models.Order) **float64 { return &o.Quantity }),
	"spentbtc":  floatField(func(o *models.Order) **float64 { return &o.SpentBTC }),
	"gainedbtc": floatField(func(o *models.Order) **float64 { return &o.GainedBTC }),
	"profitbtc": floatField(func(o *models.Order) **float64 { return &o.ProfitBTC }),
	"profit":    floatField(func(o *models.Order) **float64 { return &o.ProfitPct }),

	"sellreason":  stringField(func(o *models.Order) *string { return &o.SellReason }),
	"channelname": stringField(func(o *models.Order) *string { return &o.ChannelName }),
	"comment":     stringField(func(o *models.Order) *string { return &o.Comment }),
	"fname":       stringField(func(o *models.Order) *string { return &o.FName }),
	"ordertype":   stringField(func(o *models.Order) *string { return &o.OrderType }),
	"exchange":    stringField(func(o *models.Order) *string { return &o.Exchange }),

	"leverage":    floatField(func(o *models.Order) **float64 { return &o.Leverage }),
	"stoploss":    floatField(func(o *models.Order) **float64 { return &o.StopLoss }),
	"takeprofit":  floatField(func(o *models.Order) **float64 { return &o.TakeProfit }),
	"signalprice": floatField(func(o *models.Order) **float64 { return &o.SignalPrice }),
	"pumpprice":   floatField(func(o *models.Order) **float64 { return &o.PumpPrice }),

	"delta2m":  floatField(func(o *models.Order) **float64 { return &o.Delta2m }),
	"delta10m": floatField(func(o *models.Order) **float64 { return &o.Delta10m }),
	"deltah":   floatField(func(o *models.Order) **float64 { return &o.Delta1h }),
	"delta24h": floatField(func(o *models.Order) **float64 { return &o.Delta24h }),
	"btcdelta": floatField(func(o *models.Order) **float64 { return &o.BTCDelta }),

	"marketbuys":  floatField(func(o *models.Order) **float64 { return &o.MarketBuys }),
	"marketsells": floatField(func(o *models.Order) **float64 { return &o.MarketSells }),
	"obbuys":      floatField(func(o *models.Order) **float64 { return &o.OrderBookBuys }),
	"obsells":     floatField(func(o *models.Order) **float64 { return &o.OrderBookSells }),

	"bvol":       floatField(func(o *models.Order) **float64 { return &o.BVolume }),
	"svol":       floatField(func(o *models.Order) **float64 { return &o.SVolume }),
	"dayvolume":  floatField(func(o *models.Order) **float64 { return &o.DailyVolume }),
	"hourvolume": floatField(func(o *models.Order) **float64 { return &o.HourlyVolume }),
	"spread":     floatField(func(o *models.Order) **float64 { return &o.SpreadPct }),

	"priceask":     floatField(func(o *models.Order) **float64 { return &o.PriceAsk }),
	"pricebid":     floatField(func(o *models.Order) **float64 { return &o.PriceBid }),
	"pricehourago": floatField(func(o *models.Order) **float64 { return &o.Price1hAgo }),
	"pricedayago":  floatField(func(o *models.Order) **float64 { return &o.Price24hAgo }),
	"minpriceh":    floatField(func(o *models.Order) **float64 { return &o.MinPrice1h }),
	"maxpriceh":    floatField(func(o *models.Order) **float64 { return &o.MaxPrice1h }),
	"avgprice3d":   floatField(func(o *models.Order) **float64 { return &o.AvgPrice3d }),

	"selldelta": floatField(func(o *models.Order) **float64 { return &o.SellDelta }),
	"buydelta":  floatField(func(o *models.Order) **float64 { return &o.BuyDelta }),
	"drop":      floatField(func(o *models.Order) **float64 { return &o.DropPct }),
	"grow":      floatField(func(o *models.Order) **float64 { return &o.GrowPct }),

	"strategyid": intField(func(o *models.Order) **int64 { return &o.StrategyID }),
	"taskid":     intField(func(o *models.Order) **int64 { return &o.TaskID }),

	"joinedsec":  floatField(func(o *models.Order) **float64 { return &o.JoinedSec }),
	"detecttime": floatField(func(o *models.Order) **float64 { return &o.DetectTime }),
}

// Apply folds a parsed statement into an order row: the closed column
// table, emulator sync, TRY conversion, close-state inference, derived
// fields, symbol recovery and strategy normalization, in that order.
func Apply(o *models.Order, st *Statement, opts ApplyOptions) {
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}

	for _, assign := range st.Columns {
		key := strings.ToLower(assign.Column)
		switch key {
		case "id", "closedate", "buydate", "emulator":
			// handled below
			continue
		}
		if setter, ok := columnTable[key]; ok {
			setter(o, assign.Raw)
		}
		// Unknown columns are silently skipped.
	}

	if raw, ok := st.Get("Emulator"); ok {
		if v := Int(raw); v != nil {
			ev := int(*v)
			o.Emulator = &ev
			o.IsEmulator = ev != 0
		}
	}

	if raw, ok := st.Get("BuyDate"); ok {
		if t := UnixTime(raw); t != nil {
			o.OpenedAt = t
		}
	}

	if st.Op == OpInsert && strings.EqualFold(o.BaseCurrency, "TRY") && opts.TryUSDRate > 0 {
		convertTRY(o, opts.TryUSDRate)
	}

	applyCloseState(o, st, opts.Now)
	o.RecomputeDerived()
	recoverSymbol(o)

	if name := strategy.Normalize(o.SellReason, o.ChannelName, o.Comment); name != "" {
		o.Strategy = name
	}

	o.UpdatedAt = opts.Now
}

// closeIndicators counts the fields that independently suggest the order
// is closed.
func closeIndicators(o *models.Order) int {
	k := 0
	if strings.TrimSpace(o.SellReason) != "" {
		k++
	}
	if o.SellPrice != nil && *o.SellPrice > 0 {
		k++
	}
	if o.ProfitBTC != nil {
		k++
	}
	if o.GainedBTC != nil && *o.GainedBTC > 0 {
		k++
	}
	return k
}

// applyCloseState implements the smart-close rule: bots sometimes report
// CloseDate=0 or a future CloseDate on orders that are in fact closed, so
// the close indicators get a vote.
func applyCloseState(o *models.Order, st *Statement, now time.Time) {
	k := closeIndicators(o)

	raw, hasCloseDate := st.Get("CloseDate")
	if !hasCloseDate {
		if o.Status == "" {
			o.Status = models.OrderStatusOpen
		}
		// Promote a still-open row when enough indicators agree.
		if o.Status == models.OrderStatusOpen && k >= 2 {
			o.Status = models.OrderStatusClosed
			if o.ClosedAt == nil {
				o.ClosedAt = &now
			}
		}
		if o.Status == models.OrderStatusOpen && o.OpenedAt == nil {
			o.OpenedAt = &now
		}
		return
	}

	cd := Int(raw)
	if cd == nil || *cd == 0 {
		if k >= 2 {
			o.Status = models.OrderStatusClosed
			if o.ClosedAt == nil {
				o.ClosedAt = &now
			}
		} else {
			o.Status = models.OrderStatusOpen
			o.ClosedAt = nil
			if o.OpenedAt == nil {
				o.OpenedAt = &now
			}
		}
		return
	}

	closeTime := time.Unix(*cd, 0).UTC()
	switch {
	case !closeTime.After(now):
		o.Status = models.OrderStatusClosed
		o.ClosedAt = &closeTime
	case closeTime.Sub(now) <= closeSkewTolerance && k >= 2:
		// Clock-skew tolerance: trust a near-future date when the
		// indicators already say closed.
		o.Status = models.OrderStatusClosed
		o.ClosedAt = &closeTime
	case k >= 2:
		// Date is garbage but the indicators still say closed.
		o.Status = models.OrderStatusClosed
		if o.ClosedAt == nil {
			o.ClosedAt = &now
		}
	default:
		// Planned close in the future.
		o.Status = models.OrderStatusOpen
		o.ClosedAt = nil
		if o.OpenedAt == nil {
			o.OpenedAt = &now
		}
	}
}

var (
	fnameSymbolRe = regexp.MustCompile(`_([A-Z0-9]{2,})-([A-Z0-9]{2,})_`)
	dateLikeRe    = regexp.MustCompile(`^\d+$`)
)

// recoverSymbol fills symbol from the FName filename when the bot sent
// the placeholder UNKNOWN. Matches that look like dates are rejected.
func recoverSymbol(o *models.Order) {
	if o.Symbol != "UNKNOWN" || o.FName == "" {
		return
	}
	for _, m := range fnameSymbolRe.FindAllStringSubmatch(o.FName, -1) {
		base, sym := m[1], m[2]
		if dateLikeRe.MatchString(base) || dateLikeRe.MatchString(sym) {
			continue
		}
		o.Symbol = sym
		if o.BaseCurrency == "" {
			o.BaseCurrency = base
		}
		return
	}
}

func convertTRY(o *models.Order, rate float64) {
	scale := func(v **float64) {
		if *v != nil {
			s := **v * rate
			*v = &s
		}
	}
	scale(&o.SpentBTC)
	scale(&o.GainedBTC)
	scale(&o.ProfitBTC)
	o.BaseCurrency = "USDT"
}
