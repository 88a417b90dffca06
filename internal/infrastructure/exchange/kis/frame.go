package kis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

// TrTrade is the real-time domestic trade channel.
const TrTrade = "H0STCNT0"

// H0STCNT0 field positions inside one record.
const (
	fSymbol = iota
	fTime
	fPrice
	fSign
	fChange
	fChangeRate
	fAccVolume = 13

	minTradeFields = fAccVolume + 1
)

var kst = time.FixedZone("KST", 9*60*60)

// FrameParser decodes "0|H0STCNT0|<count>|f^f^..." trade frames. A frame
// may carry several records back to back.
type FrameParser struct {
	now func() time.Time
}

func NewFrameParser() *FrameParser {
	return &FrameParser{now: time.Now}
}

func (p *FrameParser) Parse(raw []byte) ([]domain.Quote, error) {
	parts := strings.SplitN(string(raw), "|", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("frame has %d sections: %w", len(parts), domain.ErrProtocol)
	}
	if parts[0] != "0" {
		return nil, fmt.Errorf("encrypted frame for %s: %w", parts[1], domain.ErrProtocol)
	}
	if parts[1] != TrTrade {
		return nil, fmt.Errorf("unsupported tr_id %q: %w", parts[1], domain.ErrProtocol)
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("bad record count %q: %w", parts[2], domain.ErrProtocol)
	}

	fields := strings.Split(parts[3], "^")
	if len(fields)%n != 0 || len(fields)/n < minTradeFields {
		return nil, fmt.Errorf("%d fields for %d records: %w", len(fields), n, domain.ErrProtocol)
	}
	width := len(fields) / n

	quotes := make([]domain.Quote, 0, n)
	for i := 0; i < n; i++ {
		rec := fields[i*width : (i+1)*width]
		q, err := buildQuote(rec[fSymbol], rec[fPrice], rec[fSign], rec[fChange], rec[fChangeRate], rec[fAccVolume])
		if err != nil {
			return nil, err
		}
		q.Timestamp = p.tradeTime(rec[fTime]).UnixMilli()
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// tradeTime places an HHMMSS trade time on today's KST date.
func (p *FrameParser) tradeTime(hhmmss string) time.Time {
	now := p.now().In(kst)
	t, err := time.ParseInLocation("150405", hhmmss, kst)
	if err != nil {
		return now
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, kst)
}

// buildQuote parses broker numeric strings. A missing change rate is
// derived from price and change.
func buildQuote(symbol, price, sign, change, rate, volume string) (domain.Quote, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" {
		return domain.Quote{}, fmt.Errorf("empty symbol: %w", domain.ErrProtocol)
	}
	px, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil {
		return domain.Quote{}, fmt.Errorf("price %q: %w", price, domain.ErrProtocol)
	}
	chg := decimal.Zero
	if s := strings.TrimSpace(change); s != "" {
		if chg, err = decimal.NewFromString(s); err != nil {
			return domain.Quote{}, fmt.Errorf("change %q: %w", change, domain.ErrProtocol)
		}
	}
	chg = applySign(chg, sign)

	var ctrt decimal.Decimal
	if s := strings.TrimSpace(rate); s != "" {
		if ctrt, err = decimal.NewFromString(s); err != nil {
			return domain.Quote{}, fmt.Errorf("change rate %q: %w", rate, domain.ErrProtocol)
		}
		if chg.IsNegative() && ctrt.IsPositive() {
			ctrt = ctrt.Neg()
		}
	} else if prev := px.Sub(chg); prev.IsPositive() {
		ctrt = chg.Div(prev).Mul(decimal.NewFromInt(100)).Round(2)
	}

	var vol int64
	if s := strings.TrimSpace(volume); s != "" {
		if vol, err = strconv.ParseInt(s, 10, 64); err != nil {
			return domain.Quote{}, fmt.Errorf("volume %q: %w", volume, domain.ErrProtocol)
		}
	}

	return domain.Quote{
		Symbol:     symbol,
		Price:      px.InexactFloat64(),
		Change:     chg.InexactFloat64(),
		ChangeRate: ctrt.InexactFloat64(),
		Volume:     vol,
	}, nil
}

// applySign uses the broker's day-over-day sign code: 1 upper limit,
// 2 up, 3 flat, 4 lower limit, 5 down.
func applySign(v decimal.Decimal, sign string) decimal.Decimal {
	switch strings.TrimSpace(sign) {
	case "1", "2":
		return v.Abs()
	case "3":
		return decimal.Zero
	case "4", "5":
		return v.Abs().Neg()
	default:
		return v
	}
}
