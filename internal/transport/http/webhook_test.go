package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"marlin/internal/decision"
	"marlin/internal/engine"
)

func TestFillsWebhookSingleObject(t *testing.T) {
	eng := &mockEngine{}
	// 券商载荷里数值常以字符串出现，传输层必须宽松强转。
	eng.On("IngestFill", mock.Anything, mock.MatchedBy(func(ev engine.FillEvent) bool {
		return ev.TradeID == "t1" && ev.OrderID == "o1" && ev.Status == "FILLED" &&
			ev.FilledQty == 0.5 && ev.AvgPrice == 2001.5 && ev.FeeUSD == 0.12 &&
			ev.FilledAt.Equal(time.UnixMilli(1767261600000).UTC())
	})).Return(nil)
	router := newTestRouter(t, &Router{Engine: eng, Registry: testRegistry(t)})

	w := doRequest(router, http.MethodPost, "/api/v1/fills",
		`{"trade_id":"t1","order_id":"o1","status":"FILLED","filled_quantity":"0.5","avg_price":"2001.5","fee_usd":0.12,"filled_at":1767261600000}`)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.EqualValues(t, 1, gjson.Get(body, "accepted").Int())
	assert.EqualValues(t, 0, gjson.Get(body, "failed").Int())
	eng.AssertExpectations(t)
}

func TestFillsWebhookFieldFallbacks(t *testing.T) {
	eng := &mockEngine{}
	eng.On("IngestFill", mock.Anything, mock.MatchedBy(func(ev engine.FillEvent) bool {
		return ev.TradeID == "t2" && ev.FilledQty == 1.25 && ev.AvgPrice == 60000 &&
			ev.FilledAt.IsZero()
	})).Return(nil)
	router := newTestRouter(t, &Router{Engine: eng, Registry: testRegistry(t)})

	// 有的券商叫 quantity/price 而不是 filled_quantity/avg_price。
	w := doRequest(router, http.MethodPost, "/api/v1/fills",
		`{"trade_id":"t2","status":"filled","quantity":1.25,"price":60000}`)

	require.Equal(t, http.StatusOK, w.Code)
	eng.AssertExpectations(t)
}

func TestFillsWebhookBatchPartialFailure(t *testing.T) {
	eng := &mockEngine{}
	eng.On("IngestFill", mock.Anything, mock.MatchedBy(func(ev engine.FillEvent) bool {
		return ev.TradeID == "good"
	})).Return(nil)
	eng.On("IngestFill", mock.Anything, mock.MatchedBy(func(ev engine.FillEvent) bool {
		return ev.TradeID == "ghost"
	})).Return(decision.NewReject(decision.KindValidation, decision.ReasonInvalidRequest, "trade ghost 不存在"))
	router := newTestRouter(t, &Router{Engine: eng, Registry: testRegistry(t)})

	w := doRequest(router, http.MethodPost, "/api/v1/fills",
		`[{"trade_id":"good","status":"filled"},{"trade_id":"ghost","status":"filled"},{"status":"filled"}]`)

	// 坏条目逐条报错，不拖累同批其他条目。
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.EqualValues(t, 1, gjson.Get(body, "accepted").Int())
	assert.EqualValues(t, 2, gjson.Get(body, "failed").Int())
	assert.EqualValues(t, 2, gjson.Get(body, "errors.#").Int())
	assert.Equal(t, "ghost", gjson.Get(body, "errors.0.trade_id").String())
	assert.Contains(t, gjson.Get(body, "errors.1.error").String(), "trade_id")
	eng.AssertExpectations(t)
}

func TestFillsWebhookAllFailed(t *testing.T) {
	eng := &mockEngine{}
	router := newTestRouter(t, &Router{Engine: eng, Registry: testRegistry(t)})

	w := doRequest(router, http.MethodPost, "/api/v1/fills",
		`[{"trade_id":"t1"},{"status":"filled"}]`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := w.Body.String()
	assert.EqualValues(t, 0, gjson.Get(body, "accepted").Int())
	assert.EqualValues(t, 2, gjson.Get(body, "failed").Int())
	eng.AssertNotCalled(t, "IngestFill", mock.Anything, mock.Anything)
}

func TestFillsWebhookRejectsMalformedBody(t *testing.T) {
	eng := &mockEngine{}
	router := newTestRouter(t, &Router{Engine: eng, Registry: testRegistry(t)})

	for _, body := range []string{"", "{not json", `42`, `"filled"`} {
		w := doRequest(router, http.MethodPost, "/api/v1/fills", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body=%q", body)
	}
	eng.AssertNotCalled(t, "IngestFill", mock.Anything, mock.Anything)
}
