package event

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"msgId":"m1","chatId":"c1","senderId":"u1","text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", in.MsgID)
	assert.Equal(t, "hi", in.Body())
	assert.Nil(t, in.Seq)
	assert.Nil(t, in.CreatedAt)
}

func TestDecodeInboundContentFallback(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"msgId":"m1","chatId":"c1","senderId":"u1","content":"caption","seq":7}`))
	require.NoError(t, err)
	assert.Equal(t, "caption", in.Body())
	require.NotNil(t, in.Seq)
	assert.EqualValues(t, 7, *in.Seq)
}

func TestDecodeInboundMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"msgId":`,
		"missing msgId":  `{"chatId":"c1","senderId":"u1"}`,
		"missing chatId": `{"msgId":"m1","senderId":"u1"}`,
		"missing sender": `{"msgId":"m1","chatId":"c1"}`,
		"blank msgId":    `{"msgId":"  ","chatId":"c1","senderId":"u1"}`,
		"zero seq":       `{"msgId":"m1","chatId":"c1","senderId":"u1","seq":0}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestTimestampFormats(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"msgId":"m1","chatId":"c1","senderId":"u1","createdAt":1700000000000,"expiresAt":"2023-11-14T22:13:25Z"}`))
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), in.CreatedAt.Time)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 25, 0, time.UTC), in.ExpiresAt.Time)

	in, err = DecodeInbound([]byte(`{"msgId":"m1","chatId":"c1","senderId":"u1","createdAt":"1700000000000"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), in.CreatedAt.UnixMilli())
}

func TestExpiry(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	in := &Inbound{TTLSeconds: 5}
	exp := in.Expiry(base)
	require.NotNil(t, exp)
	assert.Equal(t, base.Add(5*time.Second), *exp)

	abs := base.Add(time.Hour)
	in = &Inbound{TTLSeconds: 5, ExpiresAt: &Timestamp{Time: abs}}
	assert.Equal(t, abs, *in.Expiry(base))

	assert.Nil(t, (&Inbound{}).Expiry(base))
}
