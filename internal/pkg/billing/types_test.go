package billing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNotification_Malformed(t *testing.T) {
	for _, body := range []string{
		`{}`,
		`not json`,
		`{"type":"payment"}`,
		`{"data":{"id":"1"}}`,
		`{"type":"payment","data":{"id":""}}`,
	} {
		_, err := ParseNotification([]byte(body), "")
		assert.True(t, errors.Is(err, ErrValidation), "body %s: %v", body, err)
	}
}

func TestParseNotification(t *testing.T) {
	n, err := ParseNotification(notificationBody("9001", "payment.updated", "555"), " req-9 ")
	require.NoError(t, err)

	assert.Equal(t, "payment.updated", n.EventType())
	assert.Equal(t, "555", n.ResourceID())
	assert.Equal(t, "req-9", n.RequestKey())
}

func TestNotificationRequestKeyFallbacks(t *testing.T) {
	n, err := ParseNotification(notificationBody("9001", "", "555"), "")
	require.NoError(t, err)
	assert.Equal(t, "payment", n.EventType())
	assert.Equal(t, "notification:9001", n.RequestKey())

	n, err = ParseNotification([]byte(`{"type":"payment","data":{"id":555}}`), "")
	require.NoError(t, err)
	key := n.RequestKey()
	assert.True(t, strings.HasPrefix(key, "hash:"))

	again, err := ParseNotification([]byte(`{"type":"payment","data":{"id":555}}`), "")
	require.NoError(t, err)
	assert.Equal(t, key, again.RequestKey())
}

func TestIsKnownEventType(t *testing.T) {
	assert.True(t, isKnownEventType("payment"))
	assert.True(t, isKnownEventType("Payment.Updated"))
	assert.False(t, isKnownEventType("merchant_order"))
	assert.False(t, isKnownEventType(""))
}
