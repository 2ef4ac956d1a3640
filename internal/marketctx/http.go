package marketctx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"riskguard/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPProvider - внешний сервис сигналов
//
//	GET {base}/rails/{symbol} -> {"12h": {"atl": ..., "ath": ...}, "24h": {...}}
//	GET {base}/ta/{symbol}    -> models.TA
//
// 404 означает "нет данных" и возвращается как (nil, nil).
type HTTPProvider struct {
	client *resty.Client
}

// NewHTTPProvider создаёт клиент сервиса. httpClient может быть nil.
func NewHTTPProvider(baseURL string, timeout time.Duration, httpClient *http.Client) *HTTPProvider {
	var c *resty.Client
	if httpClient != nil {
		c = resty.NewWithClient(httpClient)
	} else {
		c = resty.New()
	}

	c.SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})

	return &HTTPProvider{client: c}
}

// GetRails запрашивает rails символа
func (p *HTTPProvider) GetRails(ctx context.Context, symbol string) (models.Rails, error) {
	var rails models.Rails
	found, err := p.get(ctx, "/rails/{symbol}", symbol, &rails)
	if err != nil || !found {
		return nil, err
	}
	return rails, nil
}

// GetTA запрашивает технический контекст символа
func (p *HTTPProvider) GetTA(ctx context.Context, symbol string) (*models.TA, error) {
	var ta models.TA
	found, err := p.get(ctx, "/ta/{symbol}", symbol, &ta)
	if err != nil || !found {
		return nil, err
	}
	if ta.Symbol == "" {
		ta.Symbol = models.NormalizeSymbol(symbol)
	}
	if ta.Phase == models.PhaseUnknown && ta.Trend != "" {
		ta.Phase, ta.Confidence = Phase(&ta)
	}
	return &ta, nil
}

func (p *HTTPProvider) get(ctx context.Context, path, symbol string, out interface{}) (bool, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("symbol", models.NormalizeSymbol(symbol)).
		SetResult(out).
		Get(path)
	if err != nil {
		return false, errors.Wrapf(err, "market context %s %s", path, symbol)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return false, nil
	case resp.IsError():
		return false, errors.Errorf("market context %s %s: http %d: %s",
			path, symbol, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return true, nil
}
