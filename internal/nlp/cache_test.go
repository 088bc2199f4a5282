package nlp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"fleet-compiler/internal/common/logger"
)

func observedLogger() (logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.WarnLevel)
	return logger.NewZapAdapter(zap.New(core)), logs
}

func TestRedisCache_Commands(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(mock redismock.ClientMock, key string)
		wantOK   bool
		wantWarn string
	}{
		{
			name:  "miss",
			setup: func(mock redismock.ClientMock, key string) { mock.ExpectGet(key).RedisNil() },
		},
		{
			name: "hit",
			setup: func(mock redismock.ClientMock, key string) {
				mock.ExpectGet(key).SetVal(`{"intent":"vehicle_reservation"}`)
			},
			wantOK: true,
		},
		{
			name:     "corrupt entry is a miss",
			setup:    func(mock redismock.ClientMock, key string) { mock.ExpectGet(key).SetVal(`{"intent":`) },
			wantWarn: "Discarding undecodable cache entry",
		},
		{
			name: "connection error is a miss",
			setup: func(mock redismock.ClientMock, key string) {
				mock.ExpectGet(key).SetErr(errors.New("connection refused"))
			},
			wantWarn: "Redis cache read failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mock := redismock.NewClientMock()
			key := cacheKey("classify", "book F-1")
			tt.setup(mock, key)
			log, logs := observedLogger()

			payload, ok := NewRedisCache(client, time.Minute, log).Get(context.Background(), key)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, "vehicle_reservation", payload["intent"])
			}
			assert.NoError(t, mock.ExpectationsWereMet())

			if tt.wantWarn == "" {
				assert.Zero(t, logs.Len(), "a plain miss or hit logs nothing")
				return
			}
			require.Equal(t, 1, logs.FilterMessage(tt.wantWarn).Len())
			entry := logs.All()[0]
			assert.Equal(t, "nlp-cache", entry.ContextMap()["component"])
			assert.Equal(t, key, entry.ContextMap()["key"])
		})
	}
}

func TestRedisCache_SetUsesTTL(t *testing.T) {
	client, mock := redismock.NewClientMock()
	key := cacheKey("reason", "snapshot")
	payload := map[string]interface{}{"recommendation": "proceed"}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	log, logs := observedLogger()

	mock.ExpectSet(key, data, 10*time.Minute).SetVal("OK")

	NewRedisCache(client, 10*time.Minute, log).Set(context.Background(), key, payload)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, logs.Len())
}

func TestRedisCache_SetFailureIsLogged(t *testing.T) {
	client, mock := redismock.NewClientMock()
	key := cacheKey("extract", "book F-1")
	payload := map[string]interface{}{"entities": map[string]interface{}{}}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	log, logs := observedLogger()

	mock.ExpectSet(key, data, time.Minute).SetErr(errors.New("READONLY You can't write against a read only replica"))

	assert.NotPanics(t, func() {
		NewRedisCache(client, time.Minute, log).Set(context.Background(), key, payload)
	})
	assert.NoError(t, mock.ExpectationsWereMet())

	warnings := logs.FilterMessage("Redis cache write failed").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)
	assert.Contains(t, warnings[0].ContextMap()["error"], "READONLY")
}

func TestCacheKey_SeparatesParts(t *testing.T) {
	assert.NotEqual(t, cacheKey("extract", "ab", "c"), cacheKey("extract", "a", "bc"))
	assert.NotEqual(t, cacheKey("extract", "a"), cacheKey("classify", "a"))
	assert.Equal(t, cacheKey("classify", "a"), cacheKey("classify", "a"))
}
