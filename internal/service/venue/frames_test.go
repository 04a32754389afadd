package venue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, m Message)
	}{
		{
			name: "tick",
			raw:  `{"msg_type":"tick","req_id":4,"subscription":{"id":"abc"},"tick":{"symbol":"R_100","bid":1.1,"ask":1.3,"quote":1.2,"epoch":1700000000}}`,
			check: func(t *testing.T, m Message) {
				tm, ok := m.(TickMessage)
				require.True(t, ok)
				assert.Equal(t, uint64(4), tm.RequestID())
				assert.Equal(t, "abc", tm.SubscriptionID)
				assert.Equal(t, "R_100", tm.Tick.Market)
				assert.Equal(t, int64(1700000000), tm.Tick.Epoch)
				assert.InDelta(t, 1.2, tm.Tick.Quote, 1e-9)
				assert.Equal(t, int64(1700000000), tm.Tick.Timestamp.Unix())
			},
		},
		{
			name: "pong",
			raw:  `{"msg_type":"ping","ping":"pong"}`,
			check: func(t *testing.T, m Message) {
				assert.Equal(t, KindPong, m.Kind())
			},
		},
		{
			name: "error maps code",
			raw:  `{"msg_type":"authorize","req_id":2,"error":{"code":"AuthorizationRequired","message":"Please log in."}}`,
			check: func(t *testing.T, m Message) {
				em, ok := m.(ErrorMessage)
				require.True(t, ok)
				assert.Equal(t, CodeAuthorizationRequired, em.Err.Code)
				assert.Equal(t, "authorize", em.Err.MsgType)
				assert.Equal(t, uint64(2), em.RequestID())
			},
		},
		{
			name: "unmapped error code",
			raw:  `{"msg_type":"buy","req_id":3,"error":{"code":"RateLimit","message":"slow down"}}`,
			check: func(t *testing.T, m Message) {
				em := m.(ErrorMessage)
				assert.Equal(t, CodeUnknown, em.Err.Code)
				assert.Equal(t, "RateLimit", em.Err.VenueCode)
			},
		},
		{
			name: "buy",
			raw:  `{"msg_type":"buy","req_id":9,"buy":{"contract_id":123456,"longcode":"Win payout","buy_price":10,"start_time":1700000001,"transaction_id":987}}`,
			check: func(t *testing.T, m Message) {
				rm := m.(ResponseMessage)
				require.NotNil(t, rm.Buy)
				assert.Equal(t, "123456", rm.Buy.ContractID)
				assert.Equal(t, "987", rm.Buy.TransactionID)
				assert.InDelta(t, 10.0, rm.Buy.BuyPrice, 1e-9)
			},
		},
		{
			name: "settled contract",
			raw:  `{"msg_type":"proposal_open_contract","proposal_open_contract":{"contract_id":55,"is_sold":1,"profit":-10,"status":"lost"}}`,
			check: func(t *testing.T, m Message) {
				cu := m.(ContractUpdate)
				assert.True(t, cu.IsSold)
				assert.Equal(t, "55", cu.ContractID)
				assert.InDelta(t, -10.0, cu.Profit, 1e-9)
			},
		},
		{
			name: "unknown msg_type",
			raw:  `{"msg_type":"website_status","req_id":1}`,
			check: func(t *testing.T, m Message) {
				um := m.(UnknownMessage)
				assert.Equal(t, "website_status", um.MsgType)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			tt.check(t, m)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"req_id":1}`,
		`{"msg_type":"tick","tick":{"symbol":"","epoch":1}}`,
		`{"msg_type":"tick","tick":{"symbol":"R_100","epoch":0}}`,
		`{"msg_type":"buy","req_id":1}`,
	} {
		_, err := Decode([]byte(raw))
		var de *DecodeError
		assert.ErrorAs(t, err, &de, raw)
	}
}

func TestMapErrorCode(t *testing.T) {
	assert.Equal(t, CodeInvalidToken, MapErrorCode("InvalidToken"))
	assert.Equal(t, CodeMarketClosed, MapErrorCode("MarketIsClosed"))
	assert.Equal(t, CodeInsufficientBalance, MapErrorCode("InsufficientBalance"))
	assert.Equal(t, CodeUnknown, MapErrorCode("SomethingElse"))
}

func TestContractRef(t *testing.T) {
	assert.Equal(t, int64(42), contractRef("42"))
	assert.Equal(t, "abc", contractRef("abc"))
}
