package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

const (
	pathInquirePrice = "/uapi/domestic-stock/v1/quotations/inquire-price"
	trInquirePrice   = "FHKST01010100"
)

type inquirePriceResponse struct {
	apiStatus
	Output struct {
		Price      string `json:"stck_prpr"`
		Change     string `json:"prdy_vrss"`
		Sign       string `json:"prdy_vrss_sign"`
		ChangeRate string `json:"prdy_ctrt"`
		Volume     string `json:"acml_vol"`
	} `json:"output"`
}

// RESTClient fetches current-price snapshots. Requests carry the session's
// bearer token through an oauth2.Transport.
type RESTClient struct {
	cfg Config
	hc  *http.Client
	now func() time.Time
}

func NewRESTClient(cfg Config, src oauth2.TokenSource) *RESTClient {
	cfg.applyDefaults()
	return &RESTClient{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: &oauth2.Transport{Source: src, Base: http.DefaultTransport},
		},
		now: time.Now,
	}
}

// Snapshot returns the current quote of one domestic stock.
func (c *RESTClient) Snapshot(ctx context.Context, symbol string) (domain.Quote, error) {
	symbol = domain.NormalizeSymbol(symbol)
	params := url.Values{}
	params.Set("FID_COND_MRKT_DIV_CODE", "J")
	params.Set("FID_INPUT_ISCD", symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.RESTURL+pathInquirePrice+"?"+params.Encode(), nil)
	if err != nil {
		return domain.Quote{}, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("appkey", c.cfg.AppKey)
	req.Header.Set("appsecret", c.cfg.AppSecret)
	req.Header.Set("tr_id", trInquirePrice)
	req.Header.Set("custtype", c.cfg.CustType)

	body, err := doRequest(c.hc, req)
	if err != nil {
		return domain.Quote{}, err
	}

	var resp inquirePriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("decode inquire-price: %w: %w", domain.ErrProtocol, err)
	}
	out := resp.Output
	q, err := buildQuote(symbol, out.Price, out.Sign, out.Change, out.ChangeRate, out.Volume)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("inquire-price %s: %w", symbol, err)
	}
	q.Timestamp = c.now().UnixMilli()
	return q, nil
}
