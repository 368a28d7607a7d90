package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGongXiGetEmail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/get-email", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "pool-a", r.URL.Query().Get("group"))
		w.Write([]byte(`{"success":true,"data":{"email":"tmp123@gongxi.cc","id":8}}`))
	}))
	defer server.Close()

	adapter := NewGongXiAdapter(server.URL, "test-key")
	result, err := adapter.GetEmail(context.Background(), "pool-a")
	require.NoError(t, err)
	assert.Equal(t, "tmp123@gongxi.cc", result.Email)
	assert.Equal(t, int64(8), result.ID)
}

func TestGongXiGetEmailUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":{"message":"邮箱池已耗尽"}}`))
	}))
	defer server.Close()

	adapter := NewGongXiAdapter(server.URL, "test-key")
	_, err := adapter.GetEmail(context.Background(), "")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "邮箱池已耗尽")
}

func TestGongXiServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	adapter := NewGongXiAdapter(server.URL, "test-key")
	_, err := adapter.GetEmail(context.Background(), "")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestGongXiGetMailText(t *testing.T) {
	t.Run("JSON包装", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/mail_text", r.URL.Path)
			w.Write([]byte(`{"success":true,"data":"123456"}`))
		}))
		defer server.Close()

		adapter := NewGongXiAdapter(server.URL, "test-key")
		code, err := adapter.GetMailText(context.Background(), "tmp123@gongxi.cc", `\d{6}`)
		require.NoError(t, err)
		assert.Equal(t, "123456", code)
	})

	t.Run("纯文本返回", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("654321"))
		}))
		defer server.Close()

		adapter := NewGongXiAdapter(server.URL, "test-key")
		code, err := adapter.GetMailText(context.Background(), "tmp123@gongxi.cc", "")
		require.NoError(t, err)
		assert.Equal(t, "654321", code)
	})

	t.Run("纯文本错误", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("Error: mailbox not found"))
		}))
		defer server.Close()

		adapter := NewGongXiAdapter(server.URL, "test-key")
		_, err := adapter.GetMailText(context.Background(), "tmp123@gongxi.cc", "")
		assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	})
}

func TestGongXiGetMailNew(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/mail_new", r.URL.Path)
		w.Write([]byte(`{"success":true,"data":{
			"email":"tmp123@gongxi.cc","mailbox":"inbox","count":1,
			"messages":[{"id":"m1","from":"noreply@site.com","subject":"验证码","text":"code 123456"}]
		}}`))
	}))
	defer server.Close()

	adapter := NewGongXiAdapter(server.URL, "test-key")
	result, err := adapter.GetMailNew(context.Background(), "tmp123@gongxi.cc", "")
	require.NoError(t, err)
	assert.Equal(t, "inbox", result.Mailbox)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "验证码", result.Messages[0].Subject)
}

func TestGongXiHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	adapter := NewGongXiAdapter(server.URL, "test-key")
	assert.True(t, adapter.HealthCheck(context.Background()))

	// 不可达地址健康检查为假
	dead := NewGongXiAdapter("http://127.0.0.1:1", "test-key")
	assert.False(t, dead.HealthCheck(context.Background()))
}
