package msgbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRequest(t *testing.T) {
	_, host := startTestBroker(t)
	s := dialTest(t, host)

	publishPersistent(t, s, Topic("quotes/acme"), "101.5")
	publishPersistent(t, s, Topic("quotes/acme"), "102.0")

	ctx, cancel := testContext(2 * time.Second)
	defer cancel()

	msgs, err := s.CacheRequest(ctx, "lvc", "quotes/acme")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("101.5"), msgs[0].Payload())
	assert.Equal(t, []byte("102.0"), msgs[1].Payload())
}

func TestCacheRequestNoData(t *testing.T) {
	_, host := startTestBroker(t)
	s := dialTest(t, host)

	ctx, cancel := testContext(2 * time.Second)
	defer cancel()

	msgs, err := s.CacheRequest(ctx, "lvc", "quotes/unknown")
	assert.Empty(t, msgs)

	var ce *CacheError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, SubCodeCacheNoData, ce.SubCode)
	assert.Equal(t, "quotes/unknown", ce.Topic)
}

func TestCacheRequestSuspect(t *testing.T) {
	_, host := startTestBroker(t, WithBrokerCacheSuspectAfter(50*time.Millisecond))
	s := dialTest(t, host)

	publishPersistent(t, s, Topic("quotes/stale"), "old")
	time.Sleep(150 * time.Millisecond)

	ctx, cancel := testContext(2 * time.Second)
	defer cancel()

	msgs, err := s.CacheRequest(ctx, "lvc", "quotes/stale")
	require.Len(t, msgs, 1, "suspect replies still carry the data")

	var ce *CacheError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, SubCodeCacheSuspect, ce.SubCode)
}

func TestCacheRequestAsync(t *testing.T) {
	_, host := startTestBroker(t)

	events := make(chan SessionEvent, 8)
	s := dialTest(t, host, WithEventHandler(func(_ *Session, ev SessionEvent) { events <- ev }))

	publishPersistent(t, s, Topic("quotes/async"), "42")

	id, err := s.CacheRequestAsync("lvc", "quotes/async")
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind != CacheRequestOK {
				continue
			}
			assert.Equal(t, id, ev.RequestID)
			require.Len(t, ev.CachedMessages, 1)
			assert.Equal(t, []byte("42"), ev.CachedMessages[0].Payload())
		case <-deadline:
			t.Fatal("no cache completion event")
		}
		break
	}

	t.Run("miss reports failure event", func(t *testing.T) {
		id, err := s.CacheRequestAsync("lvc", "quotes/nothing")
		require.NoError(t, err)

		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev := <-events:
				if ev.Kind != CacheRequestFailed {
					continue
				}
				assert.Equal(t, id, ev.RequestID)
				assert.Equal(t, SubCodeCacheNoData, ev.SubCode)
			case <-deadline:
				t.Fatal("no cache failure event")
			}
			break
		}
	})
}

func TestCacheRequestInvalidTopic(t *testing.T) {
	_, host := startTestBroker(t)
	s := dialTest(t, host)

	ctx, cancel := testContext(time.Second)
	defer cancel()

	_, err := s.CacheRequest(ctx, "lvc", "bad/*/topic")
	assert.Error(t, err)

	_, err = s.CacheRequestAsync("lvc", "")
	assert.Error(t, err)
}
